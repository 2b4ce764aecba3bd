// Package chat manages a viewer's admission to a show's chat and the message
// channel that rides on it.
//
// A Manager owns the chat session: Open admits the viewer (as a guest or with
// a credential) and makes the Channel usable. Re-opening or closing tears the
// current session down; every live Subscription then ends with
// ErrSessionReplaced or ErrSessionClosed so subscribers know to act.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/internal/logctx"
	"github.com/ggoodman/showchat-go/streams"
)

var (
	// ErrSessionReplaced ends subscriptions of a chat session that a later
	// Open superseded.
	ErrSessionReplaced = errors.New("chat session replaced")
	// ErrSessionClosed ends subscriptions when the chat session is closed or
	// its channel is removed by the host.
	ErrSessionClosed = errors.New("chat session closed")
)

// State is the chat session lifecycle position.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateActive        State = "active"
	StateFailed        State = "failed"
)

func (s State) String() string { return string(s) }

// Identity is the admitted viewer.
type Identity struct {
	UserID  string `json:"user_id"`
	Guest   bool   `json:"guest"`
	ShowKey string `json:"show_key"`
	Channel string `json:"channel"`
}

// Session is the part of the session authenticator the manager needs.
type Session interface {
	Grant() (backend.Grant, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = logctx.New(l.Handler())
		}
	}
}

// WithSelfEcho controls whether subscribers see messages published by the
// same identity. The default is true.
func WithSelfEcho(on bool) Option {
	return func(m *Manager) { m.selfEcho = on }
}

// WithHistoryPageSize sets the page size History uses when called with 0.
func WithHistoryPageSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pageSize = min(n, streams.MaxHistoryLimit)
		}
	}
}

// WithClock overrides the time source used to stamp outgoing messages.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the chat session.
type Manager struct {
	b        backend.Backend
	sess     Session
	host     streams.Host
	pool     *async.Pool
	log      *slog.Logger
	now      func() time.Time
	selfEcho bool
	pageSize int

	mu     sync.Mutex
	calls  uint64
	state  State
	reason error
	cur    *epoch
}

// epoch is one Active chat session. Its context ends, with a cause, when the
// session is replaced or closed.
type epoch struct {
	id     Identity
	ctx    context.Context
	cancel context.CancelCauseFunc
	subs   sync.WaitGroup
}

func NewManager(b backend.Backend, sess Session, host streams.Host, pool *async.Pool, opts ...Option) *Manager {
	m := &Manager{
		b:        b,
		sess:     sess,
		host:     host,
		pool:     pool,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
		selfEcho: true,
		pageSize: streams.DefaultHistoryLimit,
		state:    StateUninitialized,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open admits the viewer to showKey's chat. A guest needs no credential; any
// credential passed is ignored. Otherwise the backend validates credential.
//
// Open moves the state to StateInitializing before returning, ending any
// current session's subscriptions with ErrSessionReplaced. The state is
// settled before the future completes. When Open calls overlap, only the most
// recent one settles the state; earlier ones complete with a NotReady error
// wrapping ErrSessionReplaced.
func (m *Manager) Open(ctx context.Context, showKey, credential string, guest bool) *async.Future[Identity] {
	const op = "chat.open"
	ctx = logctx.WithOp(ctx, &logctx.OpData{Name: op, ShowKey: showKey})
	start := m.now()

	m.mu.Lock()
	m.calls++
	call := m.calls
	m.endLocked(ErrSessionReplaced)
	m.state, m.reason = StateInitializing, nil
	m.mu.Unlock()

	fail := func(err error) *async.Future[Identity] {
		m.settle(call, Identity{}, err)
		m.log.InfoContext(ctx, "chat.open.fail", slog.String("kind", failure.KindOf(err).String()), slog.String("err", err.Error()))
		return async.Completed(Identity{}, err)
	}

	g, err := m.sess.Grant()
	if err != nil {
		return fail(failure.Wrap(failure.KindNotReady, op, err))
	}
	if strings.TrimSpace(showKey) == "" {
		return fail(failure.New(failure.KindInvalidInput, op, "show key is required"))
	}
	if guest {
		credential = ""
	} else if strings.TrimSpace(credential) == "" {
		return fail(failure.New(failure.KindInvalidInput, op, "credential is required unless joining as a guest"))
	}

	out, complete := async.NewFuture[Identity]()
	req := backend.ChatRequest{ShowKey: showKey, Credential: credential, Guest: guest}
	async.Go(m.pool, ctx, op, func(ctx context.Context) (backend.ChatGrant, error) {
		return m.b.OpenChat(ctx, g, req)
	}).OnComplete(func(cg backend.ChatGrant, err error) {
		if err == nil && strings.TrimSpace(cg.UserID) == "" {
			err = failure.New(failure.KindUnknown, op, "backend admitted viewer without a user id")
		}
		id := Identity{UserID: cg.UserID, Guest: cg.Guest, ShowKey: showKey, Channel: cg.Channel}
		if id.Channel == "" {
			id.Channel = backend.ChannelForShow(showKey)
		}
		if !m.settle(call, id, err) {
			m.log.InfoContext(ctx, "chat.open.superseded")
			complete(Identity{}, &failure.Error{Kind: failure.KindNotReady, Op: op, Msg: "superseded by a later open", Err: ErrSessionReplaced})
			return
		}
		if err != nil {
			m.log.InfoContext(ctx, "chat.open.fail", slog.String("kind", failure.KindOf(err).String()), slog.String("err", err.Error()))
			complete(Identity{}, err)
			return
		}
		m.log.InfoContext(ctx, "chat.open.ok", slog.Bool("guest", id.Guest), slog.Duration("dur", m.now().Sub(start)))
		complete(id, nil)
	})
	return out
}

// settle applies the outcome of Open call number call. It reports false if a
// later call or Close superseded it.
func (m *Manager) settle(call uint64, id Identity, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call != m.calls {
		return false
	}
	if err != nil {
		m.state, m.reason = StateFailed, err
		return true
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	m.cur = &epoch{id: id, ctx: ctx, cancel: cancel}
	m.state, m.reason = StateActive, nil
	return true
}

// endLocked tears down the current session, ending its subscriptions with
// cause. It returns the ended epoch, if any.
func (m *Manager) endLocked(cause error) *epoch {
	ep := m.cur
	if ep == nil {
		return nil
	}
	m.cur = nil
	ep.cancel(cause)
	return ep
}

// Close ends the chat session. Live subscriptions end with ErrSessionClosed
// and in-flight Open calls no longer settle the state. Close waits for
// subscription goroutines to exit until ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	ep := m.endLocked(ErrSessionClosed)
	m.state, m.reason = StateUninitialized, nil
	m.mu.Unlock()

	if ep == nil {
		return nil
	}
	m.log.InfoContext(ctx, "chat.close", slog.String("show_key", ep.id.ShowKey))

	done := make(chan struct{})
	go func() {
		ep.subs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the chat state and, when Failed, the reason.
func (m *Manager) State() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// Identity returns the admitted viewer while the session is Active.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Identity{}, false
	}
	return m.cur.id, true
}

// Channel returns the message channel bound to this manager. It is usable
// whenever the manager is Active.
func (m *Manager) Channel() *Channel { return &Channel{m: m} }

// active returns the current epoch or a NotReady error naming the state.
func (m *Manager) active(op string) (*epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.state == StateActive {
		return m.cur, nil
	}
	if m.state == StateFailed {
		return nil, &failure.Error{Kind: failure.KindNotReady, Op: op, Msg: "chat session failed", Err: m.reason}
	}
	return nil, failure.Newf(failure.KindNotReady, op, "chat session is %s", m.state)
}
