// Package async provides the completion primitives used by showchat: a
// single-assignment Future and a bounded worker Pool that runs backend calls
// off the caller's goroutine.
package async

import (
	"context"
	"sync"
)

// Future is a single-assignment result. It completes exactly once; callbacks
// registered with OnComplete fire exactly once, after completion.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	val       T
	err       error
	callbacks []func(T, error)
}

// NewFuture returns an incomplete future and its completion function. Only the
// first call to complete has any effect.
func NewFuture[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.complete
}

// Completed returns a future that is already complete.
func Completed[T any](v T, err error) *Future[T] {
	f, complete := NewFuture[T]()
	complete(v, err)
	return f
}

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.val, f.err = v, err
		cbs := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, cb := range cbs {
			cb(v, err)
		}
	})
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until completion or until ctx ends. A ctx ending does not
// cancel the underlying work.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome. It must only be called after Done is closed;
// before that it returns the zero value and a nil error.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// OnComplete registers fn to run once with the outcome. If the future is
// already complete fn runs synchronously on the calling goroutine; otherwise
// it runs on the completing goroutine.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.val, f.err
		f.mu.Unlock()
		fn(v, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Then derives a future from f. If f fails, next is skipped and the error is
// propagated unchanged.
func Then[T, U any](f *Future[T], next func(T) (U, error)) *Future[U] {
	out, complete := NewFuture[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			var zero U
			complete(zero, err)
			return
		}
		complete(next(v))
	})
	return out
}
