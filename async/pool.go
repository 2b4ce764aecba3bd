package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/showchat-go/failure"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers = 16
	DefaultTimeout = 10 * time.Second
)

// Pool runs backend calls on background goroutines with a bound on how many
// are in flight at once. Every call gets its own timeout and is detached from
// the caller's cancellation: once dispatched it runs to completion or timeout.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers bounds the number of concurrently running calls.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger used for panics and slow-path diagnostics.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		sem:     semaphore.NewWeighted(DefaultWorkers),
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Timeout reports the per-call deadline.
func (p *Pool) Timeout() time.Duration { return p.timeout }

// Wait blocks until every dispatched call has completed.
func (p *Pool) Wait() { p.wg.Wait() }

// Go dispatches fn and returns a future for its result. The ctx supplies
// values (loggers, request metadata) only; its cancellation is ignored. A
// deadline expiry is reported as a transport failure and a panic as unknown.
// Errors without a Kind are classified as unknown under op.
func Go[T any](p *Pool, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f, complete := NewFuture[T]()
	base := context.WithoutCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(base, 1); err != nil {
			var zero T
			complete(zero, failure.Wrap(failure.KindUnknown, op, err))
			return
		}
		defer p.sem.Release(1)

		callCtx, cancel := context.WithTimeout(base, p.timeout)
		defer cancel()

		v, err := runBounded(callCtx, fn)
		if err != nil {
			err = classify(callCtx, op, err)
			p.log.DebugContext(ctx, "async.call.fail", slog.String("op", op), slog.String("kind", failure.KindOf(err).String()), slog.String("err", err.Error()))
		}
		complete(v, err)
	}()
	return f
}

type outcome[T any] struct {
	v   T
	err error
}

// runBounded returns when fn does or when ctx expires, whichever is first. A
// fn that ignores ctx keeps running in the background but its result is
// discarded.
func runBounded[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := make(chan outcome[T], 1)
	go func() {
		var o outcome[T]
		defer func() {
			if r := recover(); r != nil {
				o.err = failure.Newf(failure.KindUnknown, "", "panic: %v", r)
			}
			ch <- o
		}()
		o.v, o.err = fn(ctx)
	}()
	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func classify(ctx context.Context, op string, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return failure.Wrap(fe.Kind, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.KindTransport, op, fmt.Errorf("timed out: %w", err))
	}
	return failure.Wrap(failure.KindOf(err), op, err)
}
