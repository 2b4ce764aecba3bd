// Package show resolves show metadata and broadcast status. Reads are
// uncached and never retried: every call is one backend round trip.
package show

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/internal/logctx"
	"github.com/ggoodman/showchat-go/model"
)

// Session is the part of the session authenticator the resolver needs.
type Session interface {
	Grant() (backend.Grant, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = logctx.New(l.Handler())
		}
	}
}

type Resolver struct {
	b    backend.Backend
	sess Session
	pool *async.Pool
	log  *slog.Logger
}

func New(b backend.Backend, sess Session, pool *async.Pool, opts ...Option) *Resolver {
	r := &Resolver{b: b, sess: sess, pool: pool, log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetDetails fetches the full record of showKey.
func (r *Resolver) GetDetails(ctx context.Context, showKey string) *async.Future[model.Show] {
	return resolve(r, ctx, "show.get_details", showKey, r.b.ShowDetails)
}

// GetStatus fetches the broadcast status subset of showKey.
func (r *Resolver) GetStatus(ctx context.Context, showKey string) *async.Future[model.ShowStatus] {
	return resolve(r, ctx, "show.get_status", showKey, r.b.ShowStatus)
}

func resolve[T any](r *Resolver, ctx context.Context, op, showKey string, call func(context.Context, backend.Grant, string) (T, error)) *async.Future[T] {
	ctx = logctx.WithOp(ctx, &logctx.OpData{Name: op, ShowKey: showKey})
	var zero T

	if strings.TrimSpace(showKey) == "" {
		err := failure.New(failure.KindInvalidInput, op, "show key is required")
		r.log.InfoContext(ctx, op+".fail", slog.String("err", err.Error()))
		return async.Completed(zero, error(err))
	}
	g, err := r.sess.Grant()
	if err != nil {
		err = failure.Wrap(failure.KindNotReady, op, err)
		r.log.InfoContext(ctx, op+".fail", slog.String("err", err.Error()))
		return async.Completed(zero, err)
	}

	start := time.Now()
	f := async.Go(r.pool, ctx, op, func(ctx context.Context) (T, error) {
		return call(ctx, g, showKey)
	})
	f.OnComplete(func(_ T, err error) {
		if err != nil {
			r.log.InfoContext(ctx, op+".fail", slog.String("kind", failure.KindOf(err).String()), slog.String("err", err.Error()))
			return
		}
		r.log.InfoContext(ctx, op+".ok", slog.Duration("dur", time.Since(start)))
	})
	return f
}
