package confcache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is the caller-visible handle of a queued operation. It settles
// exactly once, either with a value or an error. Callers never run store
// I/O on their own goroutine; they wait on the future instead.
type Future[T any] struct {
	done      chan struct{}
	settle    sync.Once
	val       T
	err       error
	started   atomic.Bool
	cancelled atomic.Bool
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T) {
	f.settle.Do(func() {
		f.val = v
		close(f.done)
	})
}

func (f *Future[T]) fail(err error) {
	f.settle.Do(func() {
		f.err = err
		close(f.done)
	})
}

// begin marks execution as started. It returns false when the future was
// cancelled before a worker picked it up, in which case the task is skipped.
func (f *Future[T]) begin() bool {
	f.started.Store(true)
	return !f.cancelled.Load()
}

// Cancel requests cancellation. Before execution starts the task is dropped
// entirely. Once a worker has started, cancellation is advisory: the
// operation still completes against the store, but this future settles with
// context.Canceled and the result is discarded. Returns false if the future
// had already settled.
func (f *Future[T]) Cancel() bool {
	select {
	case <-f.done:
		return false
	default:
	}
	f.cancelled.Store(true)
	f.fail(context.Canceled)
	return true
}

// Done is closed when the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
