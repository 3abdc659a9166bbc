package queue

import (
	"context"

	"github.com/google/uuid"
)

// Future is the typed result of an entry submitted with Submit.
type Future[T any] struct {
	id    uuid.UUID
	done  chan struct{}
	value T
	err   error
}

// Submit enqueues op and returns a Future resolved when op completes.
func Submit[T any](q *Queue, target, name string, op func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.id = q.Enqueue(target, name,
		func(ctx context.Context) (any, error) {
			return op(ctx)
		},
		func(r Result) {
			if v, ok := r.Value.(T); ok {
				f.value = v
			}
			f.err = r.Err
			close(f.done)
		})
	return f
}

// ID returns the queue entry ID backing the future.
func (f *Future[T]) ID() uuid.UUID {
	return f.id
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is done. Abandoning a
// wait does not cancel the queued operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
