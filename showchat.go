// Package showchat is the entry point for integrating applications. A Client
// wires the session authenticator, show resolver and chat manager to a
// backend.Backend and a streams.Host, and Start drives them in order:
//
//	Initialize ──┬── GetDetails
//	             ├── GetStatus
//	             └── Open chat ── Channel (publish / subscribe / history)
//
// Each stage is its own future, so show metadata can be used before chat is
// ready. A failed session fails every dependent stage with NotReady.
package showchat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/chat"
	"github.com/ggoodman/showchat-go/config"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/internal/logctx"
	"github.com/ggoodman/showchat-go/model"
	"github.com/ggoodman/showchat-go/session"
	"github.com/ggoodman/showchat-go/show"
	"github.com/ggoodman/showchat-go/streams"
	"golang.org/x/sync/errgroup"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	runtime  config.Runtime
	selfEcho bool
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRuntime sets call timeout, worker count and default history page size.
func WithRuntime(rt config.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithSelfEcho controls whether the viewer's own messages reach its
// subscriptions. The default is true.
func WithSelfEcho(on bool) Option {
	return func(o *options) { o.selfEcho = on }
}

// Client is a showchat client bound to one backend and stream host.
type Client struct {
	pool  *async.Pool
	log   *slog.Logger
	sess  *session.Authenticator
	shows *show.Resolver
	chat  *chat.Manager
}

func New(b backend.Backend, host streams.Host, opts ...Option) *Client {
	o := options{runtime: config.DefaultRuntime(), selfEcho: true}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = logctx.New(log.Handler())

	pool := async.NewPool(
		async.WithWorkers(o.runtime.Workers),
		async.WithTimeout(o.runtime.CallTimeout),
		async.WithLogger(log),
	)
	sess := session.New(b, pool, session.WithLogger(log))
	return &Client{
		pool:  pool,
		log:   log,
		sess:  sess,
		shows: show.New(b, sess, pool, show.WithLogger(log)),
		chat: chat.NewManager(b, sess, host, pool,
			chat.WithLogger(log),
			chat.WithSelfEcho(o.selfEcho),
			chat.WithHistoryPageSize(o.runtime.HistoryPageSize),
		),
	}
}

// Session returns the session authenticator.
func (c *Client) Session() *session.Authenticator { return c.sess }

// Shows returns the show resolver.
func (c *Client) Shows() *show.Resolver { return c.shows }

// Chat returns the chat manager. Use Chat().Channel() for messaging.
func (c *Client) Chat() *chat.Manager { return c.chat }

// Stages are the futures of one Start call.
type Stages struct {
	Session *async.Future[session.State]
	Details *async.Future[model.Show]
	Status  *async.Future[model.ShowStatus]
	Chat    *async.Future[chat.Identity]
}

// Start initializes the session with cfg and, once it is Ready, resolves the
// show and opens chat concurrently. cfg is read, never retained.
func (c *Client) Start(ctx context.Context, cfg config.Config) *Stages {
	start := time.Now()
	gate := c.sess.Initialize(ctx, cfg.ClientKey, cfg.Options)

	st := &Stages{
		Session: gate,
		Details: afterSession(gate, "show.get_details", func() *async.Future[model.Show] {
			return c.shows.GetDetails(ctx, cfg.ShowKey)
		}),
		Status: afterSession(gate, "show.get_status", func() *async.Future[model.ShowStatus] {
			return c.shows.GetStatus(ctx, cfg.ShowKey)
		}),
		Chat: afterSession(gate, "chat.open", func() *async.Future[chat.Identity] {
			return c.chat.Open(ctx, cfg.ShowKey, cfg.Credential, cfg.Guest)
		}),
	}

	st.Chat.OnComplete(func(id chat.Identity, err error) {
		if err != nil {
			c.log.InfoContext(ctx, "client.start.fail", slog.String("kind", failure.KindOf(err).String()), slog.String("err", err.Error()))
			return
		}
		c.log.InfoContext(ctx, "client.start.ok", slog.Bool("guest", id.Guest), slog.Duration("dur", time.Since(start)))
	})
	return st
}

// afterSession runs next once gate succeeds. If gate fails, the returned
// future fails with NotReady wrapping the session's reason.
func afterSession[T any](gate *async.Future[session.State], op string, next func() *async.Future[T]) *async.Future[T] {
	out, complete := async.NewFuture[T]()
	gate.OnComplete(func(_ session.State, err error) {
		if err != nil {
			var zero T
			complete(zero, &failure.Error{Kind: failure.KindNotReady, Op: op, Msg: "session not ready", Err: err})
			return
		}
		next().OnComplete(complete)
	})
	return out
}

// Wait blocks until every stage completes and returns the first failure.
func (s *Stages) Wait(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { _, err := s.Session.Await(ctx); return err })
	g.Go(func() error { _, err := s.Details.Await(ctx); return err })
	g.Go(func() error { _, err := s.Status.Await(ctx); return err })
	g.Go(func() error { _, err := s.Chat.Await(ctx); return err })
	return g.Wait()
}

// Close ends the chat session and waits for in-flight backend calls to drain
// until ctx ends.
func (c *Client) Close(ctx context.Context) error {
	if err := c.chat.Close(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		c.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
