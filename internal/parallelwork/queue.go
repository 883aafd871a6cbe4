// Package parallelwork implements a bounded work queue shared by httm's
// Version Enumerator (spec.md §4.E) and Recursive Walker (spec.md §4.H).
// It is a direct port of kopia's internal/parallelwork package: callbacks
// may enqueue further work while running (a directory's children enqueue
// their own stat jobs), EnqueueFront lets urgent work jump ahead of
// previously-queued work, and Process blocks until the queue drains or the
// first callback error is observed.
package parallelwork

import (
	"context"
	"sync"
)

// CallbackFunc is one unit of work submitted to a Queue.
type CallbackFunc func() error

// ProgressCallbackFunc is invoked after every state transition so a caller
// can report enqueued/active/completed counts (e.g. to a future
// interactive progress bar; spec.md §1 treats the UI itself as an external
// collaborator, but the hook is cheap to keep wired).
type ProgressCallbackFunc func(ctx context.Context, enqueued, active, completed int64)

// Queue is a FIFO/LIFO hybrid work queue processed by a fixed worker pool.
type Queue struct {
	ProgressCallback ProgressCallbackFunc

	mu       sync.Mutex
	cond     *sync.Cond
	items    []CallbackFunc
	enqueued int64
	active   int64
	completed int64
	err      error
	closed   bool
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// EnqueueFront adds cb to the front of the queue: it will be picked up by
// the next available worker before any previously-queued-but-not-yet-
// started item.
func (q *Queue) EnqueueFront(ctx context.Context, cb CallbackFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.items = append([]CallbackFunc{cb}, q.items...)
	q.enqueued++
	q.reportLocked(ctx)
	q.cond.Signal()
}

// EnqueueBack adds cb to the back of the queue.
func (q *Queue) EnqueueBack(ctx context.Context, cb CallbackFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.items = append(q.items, cb)
	q.enqueued++
	q.reportLocked(ctx)
	q.cond.Signal()
}

func (q *Queue) reportLocked(ctx context.Context) {
	if q.ProgressCallback != nil {
		q.ProgressCallback(ctx, q.enqueued, q.active, q.completed)
	}
}

// Process runs the queue to completion using the given number of workers,
// blocking until every enqueued item (including items enqueued by other
// items while running) has completed, or until the first callback error is
// observed. The first non-nil error wins; Process returns it after all
// in-flight workers have finished their current item.
func (q *Queue) Process(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	wg.Add(workers)

	for range workers {
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}

	wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *Queue) worker(ctx context.Context) {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed && q.err == nil {
			if q.active == 0 {
				// nothing running and nothing queued: queue is drained.
				q.closed = true
				q.cond.Broadcast()
				break
			}
			q.cond.Wait()
		}

		if (len(q.items) == 0 && q.closed) || q.err != nil {
			q.mu.Unlock()
			return
		}

		cb := q.items[0]
		q.items = q.items[1:]
		q.active++
		q.reportLocked(ctx)
		q.mu.Unlock()

		err := cb()

		q.mu.Lock()
		q.active--
		q.completed++
		if err != nil && q.err == nil {
			q.err = err
			q.closed = true
		}
		q.reportLocked(ctx)
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// OnNthCompletion returns a CallbackFunc wrapper that invokes cb only on
// the n-th call, ported from kopia's helper of the same name. The Restore
// Controller wraps its per-file copy completions with it so a bulk
// restore-copy logs a single "N files restored" summary once the last
// file lands, rather than once per file.
func OnNthCompletion(n int, cb func() error) func() error {
	var (
		mu    sync.Mutex
		count int
	)

	return func() error {
		mu.Lock()
		count++
		c := count
		mu.Unlock()

		if c == n {
			return cb()
		}

		return nil
	}
}
