package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/auth/authtest"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/backend/memorybackend"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/model"
	"github.com/ggoodman/showchat-go/streams"
	"github.com/ggoodman/showchat-go/streams/memoryhost"
)

type fixedSession struct {
	g   backend.Grant
	err error
}

func (s fixedSession) Grant() (backend.Grant, error) { return s.g, s.err }

type fixture struct {
	mb   *memorybackend.Backend
	host streams.Host
	sess fixedSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mb := memorybackend.New(
		memorybackend.WithCatalog(memorybackend.Catalog{
			ClientKeys: []string{"ck-test"},
			Shows:      []model.Show{{ID: "1", ShowKey: "S1", Name: "Launch Party"}, {ID: "2", ShowKey: "S2", Name: "Encore"}},
		}),
		memorybackend.WithVerifier(authtest.NewTokens(map[string]string{"cred-ok": "viewer-1", "cred-two": "viewer-2"})),
	)
	g, err := mb.Authorize(context.Background(), backend.AuthorizeRequest{ClientKey: "ck-test"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return &fixture{mb: mb, host: memoryhost.New(), sess: fixedSession{g: g}}
}

func (f *fixture) manager(opts ...Option) *Manager {
	return NewManager(f.mb, f.sess, f.host, async.NewPool(), opts...)
}

func await[T any](t *testing.T, f *async.Future[T]) (T, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("future did not complete")
	}
	return f.Result()
}

func mustOpen(t *testing.T, m *Manager, showKey, cred string, guest bool) Identity {
	t.Helper()
	id, err := await(t, m.Open(context.Background(), showKey, cred, guest))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return id
}

func waitDone(t *testing.T, s *Subscription) error {
	t.Helper()
	select {
	case <-s.Done():
		return s.Err()
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not end")
		return nil
	}
}

type collector struct {
	mu   sync.Mutex
	msgs []model.Message
	ch   chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 1024)} }

func (c *collector) handle(ctx context.Context, msg model.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []model.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]model.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("received %d messages, want %d", len(c.msgs), n)
		}
	}
}

func TestChannelBeforeOpenIsNotReady(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	ch := m.Channel()

	if _, err := ch.Subscribe(context.Background(), newCollector().handle); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("Subscribe: expected not ready, got %v", err)
	}
	if _, err := await(t, ch.Publish(context.Background(), "hi")); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("Publish: expected not ready, got %v", err)
	}
	if _, err := await(t, ch.History(context.Background(), 0, "")); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("History: expected not ready, got %v", err)
	}
	// Nothing registered: Close has nothing to wait on.
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenGuest(t *testing.T) {
	f := newFixture(t)
	m := f.manager()

	fut := m.Open(context.Background(), "S1", "", true)
	if st, _ := m.State(); st != StateInitializing && st != StateActive {
		t.Fatalf("state after Open = %s", st)
	}
	seen := make(chan State, 1)
	fut.OnComplete(func(Identity, error) {
		st, _ := m.State()
		seen <- st
	})
	id, err := await(t, fut)
	if err != nil {
		t.Fatalf("guest open: %v", err)
	}
	if id.UserID == "" || !id.Guest || id.ShowKey != "S1" || id.Channel == "" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if st := <-seen; st != StateActive {
		t.Fatalf("state at completion = %s", st)
	}
	if got, ok := m.Identity(); !ok || got != id {
		t.Fatalf("Identity() = %+v, %v", got, ok)
	}
}

func TestOpenCredentialed(t *testing.T) {
	f := newFixture(t)
	m := f.manager()

	if _, err := await(t, m.Open(context.Background(), "S1", "", false)); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("empty credential: expected invalid input, got %v", err)
	}
	if st, reason := m.State(); st != StateFailed || reason == nil {
		t.Fatalf("state = %s, %v", st, reason)
	}
	if _, err := await(t, m.Channel().Publish(context.Background(), "x")); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("Publish after failed open: expected not ready, got %v", err)
	}

	if _, err := await(t, m.Open(context.Background(), "S1", "forged", false)); !errors.Is(err, failure.ErrInvalidCredential) {
		t.Fatalf("bad credential: expected invalid credential, got %v", err)
	}

	id := mustOpen(t, m, "S1", "cred-ok", false)
	if id.UserID != "viewer-1" || id.Guest {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if st, _ := m.State(); st != StateActive {
		t.Fatalf("state = %s", st)
	}
}

func TestOpenValidation(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	if _, err := await(t, m.Open(context.Background(), " ", "", true)); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("empty show key: expected invalid input, got %v", err)
	}
	if _, err := await(t, m.Open(context.Background(), "nope", "", true)); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("unknown show: expected invalid input, got %v", err)
	}
}

func TestOpenWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.sess = fixedSession{err: failure.New(failure.KindNotReady, "session.grant", "session is uninitialized")}
	m := f.manager()
	if _, err := await(t, m.Open(context.Background(), "S1", "", true)); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if st, _ := m.State(); st != StateFailed {
		t.Fatalf("state = %s", st)
	}
}

func TestOpenTransportStaysDistinct(t *testing.T) {
	f := newFixture(t)
	f.mb = memorybackend.New(
		memorybackend.WithCatalog(f.mb.Catalog()),
		memorybackend.WithFault(func(ctx context.Context, op string) error {
			if op == "backend.open_chat" {
				return errors.New("connection reset by peer")
			}
			return nil
		}),
	)
	g, err := f.mb.Authorize(context.Background(), backend.AuthorizeRequest{ClientKey: "ck-test"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	f.sess = fixedSession{g: g}
	m := f.manager()
	if _, err := await(t, m.Open(context.Background(), "S1", "cred-ok", false)); !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("expected transport, got %v", err)
	}
}

func TestOpenRevokedSessionIsNotReady(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)

	cat := f.mb.Catalog()
	cat.ClientKeys = []string{"ck-other"}
	f.mb.SetCatalog(cat)

	_, err := await(t, m.Open(context.Background(), "S1", "", true))
	if !errors.Is(err, failure.ErrNotReady) || errors.Is(err, failure.ErrInvalidCredential) {
		t.Fatalf("guest open on a revoked session: expected not ready, got %v", err)
	}
	if st, reason := m.State(); st != StateFailed || failure.KindOf(reason) != failure.KindNotReady {
		t.Fatalf("state = %s, %v", st, reason)
	}
}

func TestPublishOrdering(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)
	ch := m.Channel()

	a, err := await(t, ch.Publish(context.Background(), "a"))
	if err != nil {
		t.Fatalf("publish a: %v", err)
	}
	b, err := await(t, ch.Publish(context.Background(), "b"))
	if err != nil {
		t.Fatalf("publish b: %v", err)
	}
	if !a.Less(b) {
		t.Fatalf("timetoken(a)=%s not less than timetoken(b)=%s", a, b)
	}

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := await(t, ch.Publish(context.Background(), text)); !errors.Is(err, failure.ErrInvalidInput) {
			t.Fatalf("Publish(%q): expected invalid input, got %v", text, err)
		}
	}
}

func TestSubscribeDelivery(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	id := mustOpen(t, m, "S1", "cred-ok", false)
	ch := m.Channel()

	col := newCollector()
	sub, err := ch.Subscribe(context.Background(), col.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	var want []model.Timetoken
	for i := 0; i < 20; i++ {
		tt, err := await(t, ch.Publish(context.Background(), fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		want = append(want, tt)
	}
	got := col.wait(t, 20)
	for i, msg := range got[:20] {
		if msg.Text != fmt.Sprintf("m%d", i) || msg.Timetoken != want[i] {
			t.Fatalf("message %d = %+v, want text m%d timetoken %s", i, msg, i, want[i])
		}
		if msg.SenderID != id.UserID || msg.ID == "" || msg.SentAt.IsZero() {
			t.Fatalf("message %d missing fields: %+v", i, msg)
		}
	}
}

func TestSubscribeStartsLive(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)
	ch := m.Channel()

	if _, err := await(t, ch.Publish(context.Background(), "before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	col := newCollector()
	sub, err := ch.Subscribe(context.Background(), col.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := await(t, ch.Publish(context.Background(), "after")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := col.wait(t, 1)
	if got[0].Text != "after" {
		t.Fatalf("first delivered message = %q, want %q", got[0].Text, "after")
	}
}

func TestSubscribeResumeAfter(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)
	ch := m.Channel()

	first, _ := await(t, ch.Publish(context.Background(), "one"))
	if _, err := await(t, ch.Publish(context.Background(), "two")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	col := newCollector()
	sub, err := ch.Subscribe(context.Background(), col.handle, ResumeAfter(first))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if got := col.wait(t, 1); got[0].Text != "two" {
		t.Fatalf("resumed at %q, want %q", got[0].Text, "two")
	}
}

func TestSelfEcho(t *testing.T) {
	f := newFixture(t)
	quiet := f.manager(WithSelfEcho(false))
	mustOpen(t, quiet, "S1", "cred-ok", false)
	other := f.manager()
	mustOpen(t, other, "S1", "cred-two", false)

	col := newCollector()
	sub, err := quiet.Channel().Subscribe(context.Background(), col.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := await(t, quiet.Channel().Publish(context.Background(), "mine")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := await(t, other.Channel().Publish(context.Background(), "theirs")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := col.wait(t, 1)
	if got[0].Text != "theirs" || got[0].SenderID != "viewer-2" {
		t.Fatalf("expected only the other viewer's message, got %+v", got[0])
	}
}

func TestSubscriptionClose(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)

	sub, err := m.Channel().Subscribe(context.Background(), newCollector().handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Err() != nil {
		t.Fatalf("live subscription has error %v", sub.Err())
	}
	sub.Close()
	if err := waitDone(t, sub); err != nil {
		t.Fatalf("Err after Close = %v", err)
	}
}

func TestReopenReplacesSubscriptions(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)

	sub, err := m.Channel().Subscribe(context.Background(), newCollector().handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	mustOpen(t, m, "S2", "", true)
	if err := waitDone(t, sub); !errors.Is(err, ErrSessionReplaced) {
		t.Fatalf("expected ErrSessionReplaced, got %v", err)
	}
	if id, _ := m.Identity(); id.ShowKey != "S2" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)

	sub, err := m.Channel().Subscribe(context.Background(), newCollector().handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := waitDone(t, sub); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if st, _ := m.State(); st != StateUninitialized {
		t.Fatalf("state = %s", st)
	}
	if _, err := m.Channel().Subscribe(context.Background(), newCollector().handle); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("Subscribe after Close: expected not ready, got %v", err)
	}
}

func TestHandlerErrorEndsSubscription(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)

	boom := errors.New("boom")
	sub, err := m.Channel().Subscribe(context.Background(), func(ctx context.Context, msg model.Message) error { return boom })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := await(t, m.Channel().Publish(context.Background(), "x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := waitDone(t, sub); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestHostCleanupEndsSubscription(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	id := mustOpen(t, m, "S1", "", true)

	sub, err := m.Channel().Subscribe(context.Background(), newCollector().handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := f.host.Cleanup(context.Background(), id.Channel); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := waitDone(t, sub); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

// failingHost serves history but fails subscriptions and publishes.
type failingHost struct {
	streams.Host
}

var errHostDown = errors.New("host down")

func (failingHost) Subscribe(ctx context.Context, channel string, after streams.EventID, h streams.HandlerFunc) error {
	return errHostDown
}

func (failingHost) Publish(ctx context.Context, channel string, data []byte) (streams.EventID, error) {
	return streams.EventID{}, errHostDown
}

func TestHostFailureIsTransport(t *testing.T) {
	f := newFixture(t)
	f.host = failingHost{Host: memoryhost.New()}
	m := f.manager()
	mustOpen(t, m, "S1", "", true)

	sub, err := m.Channel().Subscribe(context.Background(), newCollector().handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := waitDone(t, sub); !errors.Is(err, failure.ErrTransport) || !errors.Is(err, errHostDown) {
		t.Fatalf("expected transport wrapping host error, got %v", err)
	}
	if _, err := await(t, m.Channel().Publish(context.Background(), "x")); !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("Publish: expected transport, got %v", err)
	}
}

// stallingHost never answers history queries.
type stallingHost struct {
	streams.Host
	release chan struct{}
}

func (h stallingHost) History(ctx context.Context, channel string, q streams.HistoryQuery) (streams.HistoryResult, error) {
	<-h.release
	return streams.HistoryResult{}, errHostDown
}

func TestSubscribeTailLookupIsBounded(t *testing.T) {
	f := newFixture(t)
	host := stallingHost{Host: memoryhost.New(), release: make(chan struct{})}
	defer close(host.release)
	m := NewManager(f.mb, f.sess, host, async.NewPool(async.WithTimeout(50*time.Millisecond)))
	mustOpen(t, m, "S1", "", true)

	start := time.Now()
	if _, err := m.Channel().Subscribe(context.Background(), newCollector().handle); !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("Subscribe with stalled tail lookup: expected transport, got %v", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("Subscribe blocked for %s", d)
	}

	sub, err := m.Channel().Subscribe(context.Background(), newCollector().handle, ResumeAfter(model.Timetoken{Millis: 1}))
	if err != nil {
		t.Fatalf("Subscribe with ResumeAfter: %v", err)
	}
	sub.Close()
}

func TestHistoryEmpty(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)

	page, err := await(t, m.Channel().History(context.Background(), 0, ""))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if page.Messages == nil || len(page.Messages) != 0 || page.More || page.Cursor != "" {
		t.Fatalf("unexpected empty page: %+v", page)
	}
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)
	ch := m.Channel()

	for i := 0; i < 25; i++ {
		if _, err := await(t, ch.Publish(context.Background(), fmt.Sprintf("m%02d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	var all []model.Message
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatalf("paging did not terminate")
		}
		page, err := await(t, ch.History(context.Background(), 10, cursor))
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		for i := 1; i < len(page.Messages); i++ {
			if !page.Messages[i-1].Timetoken.Less(page.Messages[i].Timetoken) {
				t.Fatalf("page not chronological")
			}
		}
		all = append(append([]model.Message(nil), page.Messages...), all...)
		if !page.More {
			if page.Cursor != "" {
				t.Fatalf("last page carries cursor %q", page.Cursor)
			}
			break
		}
		cursor = page.Cursor
	}
	if len(all) != 25 {
		t.Fatalf("got %d messages across pages, want 25", len(all))
	}
	for i, msg := range all {
		if msg.Text != fmt.Sprintf("m%02d", i) {
			t.Fatalf("message %d = %q", i, msg.Text)
		}
	}
}

func TestHistoryValidation(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	mustOpen(t, m, "S1", "", true)
	ch := m.Channel()

	if _, err := await(t, ch.History(context.Background(), -1, "")); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("negative size: expected invalid input, got %v", err)
	}
	if _, err := await(t, ch.History(context.Background(), 10, "not-a-cursor")); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("bad cursor: expected invalid input, got %v", err)
	}

	for i := 0; i < 105; i++ {
		if _, err := await(t, ch.Publish(context.Background(), "x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	page, err := await(t, ch.History(context.Background(), 500, ""))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != streams.MaxHistoryLimit || !page.More {
		t.Fatalf("expected capped page of %d with more, got %d more=%v", streams.MaxHistoryLimit, len(page.Messages), page.More)
	}
}
