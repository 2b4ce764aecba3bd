package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/model"
	"github.com/ggoodman/showchat-go/streams"
	"github.com/google/uuid"
)

// MessageHandler receives messages in host order. Returning an error ends the
// subscription with that error.
type MessageHandler func(ctx context.Context, msg model.Message) error

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	after model.Timetoken
}

// ResumeAfter delivers every message newer than tt before going live, so a
// subscriber that reconnects can pick up where it left off.
func ResumeAfter(tt model.Timetoken) SubscribeOption {
	return func(c *subscribeConfig) { c.after = tt }
}

// errUnsubscribed is the cancel cause of a caller-initiated Close.
var errUnsubscribed = errors.New("unsubscribed")

// handlerError marks errors returned by the caller's handler so they can be
// told apart from host failures.
type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }
func (e handlerError) Unwrap() error { return e.err }

// Subscription is a live message feed. It ends when Close is called, the
// handler fails, the host fails, or the chat session is replaced or closed.
type Subscription struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Done is closed when the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil after Close, ErrSessionReplaced
// or ErrSessionClosed after chat teardown, a Transport error on host failure,
// or the handler's error. It returns nil while the subscription is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and waits for the handler to return. It must
// not be called from within the handler.
func (s *Subscription) Close() {
	s.cancel(errUnsubscribed)
	<-s.done
}

// Subscribe starts delivering messages published from now on to fn. ctx
// bounds the subscription's lifetime as well: when it ends, so does the
// subscription. Before the chat session is Active Subscribe fails with
// NotReady and registers nothing.
//
// Without ResumeAfter, Subscribe waits for one lookup of the channel's
// latest message so that anything published after it returns is delivered.
// That wait is bounded by the pool's call timeout and by ctx. With
// ResumeAfter it returns without touching the host.
func (c *Channel) Subscribe(ctx context.Context, fn MessageHandler, opts ...SubscribeOption) (*Subscription, error) {
	const op = "chat.subscribe"
	m := c.m

	if fn == nil {
		return nil, failure.New(failure.KindInvalidInput, op, "handler is required")
	}
	var cfg subscribeConfig
	for _, o := range opts {
		o(&cfg)
	}
	ep, err := m.active(op)
	if err != nil {
		return nil, err
	}
	ctx = c.chatCtx(ctx, op, ep)

	after := cfg.after
	if after.IsZero() {
		if after, err = c.tail(ctx, ep); err != nil {
			return nil, failure.Wrap(failure.KindTransport, op, err)
		}
	}

	subCtx, cancel := context.WithCancelCause(ctx)
	sub := &Subscription{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.cur != ep {
		m.mu.Unlock()
		cancel(nil)
		return nil, failure.New(failure.KindNotReady, op, "chat session ended while subscribing")
	}
	ep.subs.Add(1)
	m.mu.Unlock()

	stop := context.AfterFunc(ep.ctx, func() { cancel(context.Cause(ep.ctx)) })
	m.log.InfoContext(ctx, "chat.subscribe.start", slog.String("subscription", sub.id), slog.String("after", after.String()))

	go func() {
		defer ep.subs.Done()
		defer stop()

		err := m.host.Subscribe(subCtx, ep.id.Channel, after, func(ctx context.Context, ev streams.Event) error {
			msg, err := decodeEvent(ev)
			if err != nil {
				m.log.WarnContext(ctx, "chat.subscribe.skip", slog.String("err", err.Error()))
				return nil
			}
			if !m.selfEcho && msg.SenderID == ep.id.UserID {
				return nil
			}
			if err := fn(ctx, msg); err != nil {
				return handlerError{err: err}
			}
			return nil
		})

		final := terminal(subCtx, err)
		cancel(nil)

		sub.mu.Lock()
		sub.err = final
		sub.mu.Unlock()
		close(sub.done)

		if final != nil {
			m.log.InfoContext(ctx, "chat.subscribe.end", slog.String("subscription", sub.id), slog.String("err", final.Error()))
		} else {
			m.log.InfoContext(ctx, "chat.subscribe.end", slog.String("subscription", sub.id))
		}
	}()
	return sub, nil
}

// tail returns the cursor that makes a subscription start with the next
// message published. An empty channel yields the smallest non-zero ID so
// that every later message is delivered. The lookup runs on the worker pool
// under its call timeout; ctx only bounds the wait.
func (c *Channel) tail(ctx context.Context, ep *epoch) (model.Timetoken, error) {
	const op = "chat.subscribe.tail"
	f := async.Go(c.m.pool, ctx, op, func(ctx context.Context) (model.Timetoken, error) {
		res, err := c.m.host.History(ctx, ep.id.Channel, streams.HistoryQuery{Limit: 1})
		if err != nil {
			return model.Timetoken{}, failure.Wrap(failure.KindTransport, op, err)
		}
		if len(res.Events) == 0 {
			return model.Timetoken{Seq: 1}, nil
		}
		return res.Events[len(res.Events)-1].ID, nil
	})
	return f.Await(ctx)
}

// terminal maps the host's return value to the subscription's final error.
func terminal(ctx context.Context, err error) error {
	const op = "chat.subscribe"
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); !errors.Is(cause, errUnsubscribed) {
			return cause
		}
		return nil
	}
	var he handlerError
	switch {
	case err == nil:
		// The host removed the channel.
		return ErrSessionClosed
	case errors.As(err, &he):
		return he.err
	default:
		return failure.Wrap(failure.KindTransport, op, err)
	}
}
