package gocbnet

import (
	"context"
	"sync/atomic"
)

// Future is a single-assignment result. The first completion wins and every
// later attempt is ignored, so a response racing a timeout or a cancellation
// can never deliver two outcomes.
type Future[T any] struct {
	done   chan struct{}
	isSet  atomic.Bool
	result T
	err    error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// complete stores the outcome if none has been stored yet. It never blocks,
// which makes it safe to call from connection read loops.
func (f *Future[T]) complete(result T, err error) bool {
	if !f.isSet.CompareAndSwap(false, true) {
		return false
	}

	f.result = result
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future has been completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or the context is done. A context
// ending first does not complete the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var empty T
		return empty, ctx.Err()
	}
}

// futureCallback adapts a future to the callback style used by the agent operations.
func futureCallback[T any](f *Future[T]) func(T, error) {
	return func(result T, err error) {
		f.complete(result, err)
	}
}

// awaitOp waits on an operation dispatched with a future callback, cancelling
// the operation if the context ends first.
func awaitOp[T any](ctx context.Context, f *Future[T], op PendingOp, err error) (T, error) {
	if err != nil {
		var empty T
		return empty, err
	}

	select {
	case <-f.Done():
		return f.result, f.err
	case <-ctx.Done():
		op.Cancel()
		<-f.Done()
		return f.result, f.err
	}
}
