// Package clock provides cancellation-aware timing helpers, ported from
// kopia's internal/clock package. httm's concurrency model (spec.md §5)
// polls a single atomic cancellation flag between directory boundaries,
// between snapshot roots, and inside hashing loops after every 64 KiB
// block; SleepInterruptibly and PollCancelled give every one of those call
// sites the same small building block.
package clock

import (
	"context"
	"time"
)

// SleepInterruptibly sleeps for d or until ctx is cancelled, whichever
// comes first. It returns true if the full duration elapsed, false if ctx
// was cancelled first.
func SleepInterruptibly(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Cancelled reports whether ctx has been cancelled, without blocking. It is
// the check the walker and enumerator poll at directory/snapshot-root
// boundaries (spec.md §5).
func Cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Now returns the current time. Centralizing this call (rather than calling
// time.Now() directly throughout the engine) is what lets tests substitute
// a fixed clock by wrapping this package, following the same motivation as
// kopia's internal/clock.
var Now = time.Now
