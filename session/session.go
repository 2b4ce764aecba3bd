// Package session owns the client-key handshake with the hosted service. The
// Authenticator is the only writer of the session state; every other component
// reads it through Status or Grant.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/config"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/internal/logctx"
)

// State is the session lifecycle position.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

func (s State) String() string { return string(s) }

// Status is a snapshot of the session. Reason is set only when State is
// StateFailed.
type Status struct {
	State     State
	Reason    error
	UpdatedAt time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.log = logctx.New(l.Handler())
		}
	}
}

// WithClock overrides the time source used for status timestamps and grant
// expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// Authenticator turns a client key into a Ready session.
type Authenticator struct {
	b    backend.Backend
	pool *async.Pool
	log  *slog.Logger
	now  func() time.Time

	mu     sync.Mutex
	calls  uint64 // Initialize calls issued
	floor  uint64 // completions from calls at or below floor are ignored
	status Status
	grant  backend.Grant
}

func New(b backend.Backend, pool *async.Pool, opts ...Option) *Authenticator {
	a := &Authenticator{
		b:    b,
		pool: pool,
		log:  slog.New(slog.DiscardHandler),
		now:  time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.status = Status{State: StateUninitialized, UpdatedAt: a.now()}
	return a
}

// Initialize starts the handshake for clientKey. The state moves to
// StateInitializing before Initialize returns. The future resolves to
// StateReady, or to StateFailed with an error carrying the failure kind; the
// session state is updated before the future completes.
//
// Concurrent calls are all sent; whichever completes last decides the state.
func (a *Authenticator) Initialize(ctx context.Context, clientKey string, opts config.Options) *async.Future[State] {
	const op = "session.initialize"
	ctx = logctx.WithOp(ctx, &logctx.OpData{Name: op})
	start := a.now()

	a.mu.Lock()
	a.calls++
	call := a.calls
	a.status = Status{State: StateInitializing, UpdatedAt: start}
	a.grant = backend.Grant{}
	a.mu.Unlock()

	if strings.TrimSpace(clientKey) == "" {
		err := failure.New(failure.KindInvalidInput, op, "client key is required")
		a.settle(call, backend.Grant{}, err)
		a.log.InfoContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return async.Completed(StateFailed, error(err))
	}

	out, complete := async.NewFuture[State]()
	req := backend.AuthorizeRequest{ClientKey: clientKey, Options: opts}
	async.Go(a.pool, ctx, op, func(ctx context.Context) (backend.Grant, error) {
		return a.b.Authorize(ctx, req)
	}).OnComplete(func(g backend.Grant, err error) {
		a.settle(call, g, err)
		if err != nil {
			a.log.InfoContext(ctx, "session.initialize.fail", slog.String("kind", failure.KindOf(err).String()), slog.String("err", err.Error()))
			complete(StateFailed, err)
			return
		}
		a.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", a.now().Sub(start)))
		complete(StateReady, nil)
	})
	return out
}

func (a *Authenticator) settle(call uint64, g backend.Grant, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if call <= a.floor {
		return
	}
	if err != nil {
		a.status = Status{State: StateFailed, Reason: err, UpdatedAt: a.now()}
		a.grant = backend.Grant{}
		return
	}
	a.status = Status{State: StateReady, UpdatedAt: a.now()}
	a.grant = g
}

// Status returns a snapshot of the session state.
func (a *Authenticator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Ready reports whether the session is usable.
func (a *Authenticator) Ready() bool {
	_, err := a.Grant()
	return err == nil
}

// Grant returns the session grant. It fails with NotReady unless the session
// is Ready and the grant has not expired.
func (a *Authenticator) Grant() (backend.Grant, error) {
	const op = "session.grant"
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.status.State {
	case StateReady:
	case StateFailed:
		return backend.Grant{}, &failure.Error{Kind: failure.KindNotReady, Op: op, Msg: "session failed", Err: a.status.Reason}
	default:
		return backend.Grant{}, failure.Newf(failure.KindNotReady, op, "session is %s", a.status.State)
	}
	if a.grant.Expired(a.now()) {
		return backend.Grant{}, failure.New(failure.KindNotReady, op, "session grant expired")
	}
	return a.grant, nil
}

// Reset returns the session to StateUninitialized. Initialize calls still in
// flight no longer affect the state.
func (a *Authenticator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.floor = a.calls
	a.status = Status{State: StateUninitialized, UpdatedAt: a.now()}
	a.grant = backend.Grant{}
}
