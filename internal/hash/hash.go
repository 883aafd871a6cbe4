// Package hash implements the content-identity hasher backing
// model.UniquenessContents (spec.md §3, §4.F): a blake3 digest of a file's
// bytes, computed in bounded chunks so the cancellation flag (spec.md §5)
// can be polled after every 64 KiB block.
package hash

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/mountwalk/httm/internal/clock"
)

// blockSize matches spec.md §5's "after each 64 KiB block" cancellation
// cadence.
const blockSize = 64 * 1024

// ErrCancelled is returned when ctx is cancelled mid-hash.
var ErrCancelled = errors.New("hashing cancelled")

// File computes the blake3 digest of the file at path, checking ctx for
// cancellation between blocks.
func File(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Reader(ctx, f)
}

// Reader computes the blake3 digest of r's remaining bytes, checking ctx
// for cancellation between blocks.
func Reader(ctx context.Context, r io.Reader) ([]byte, error) {
	h := blake3.New()
	buf := make([]byte, blockSize)

	for {
		if clock.Cancelled(ctx) {
			return nil, ErrCancelled
		}

		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return h.Sum(nil), nil
}
