// Package streamstest holds the conformance suite every streams.Host
// implementation must pass.
package streamstest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/showchat-go/streams"
)

// HostFactory creates a new Host instance for testing.
type HostFactory func(t *testing.T) streams.Host

// RunHostTests runs the complete Host test suite against the provided factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishAndSubscribeLive", func(t *testing.T) { testPublishAndSubscribeLive(t, factory) })
	t.Run("Messaging_ResumeAfterEventID", func(t *testing.T) { testResumeAfterEventID(t, factory) })
	t.Run("Messaging_IsolationBetweenChannels", func(t *testing.T) { testChannelIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("Messaging_OrderedDeliveryUnderBurst", func(t *testing.T) { testOrderedDeliveryUnderBurst(t, factory) })
	t.Run("Messaging_FanOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("IDs_StrictlyIncreasing", func(t *testing.T) { testIDsStrictlyIncreasing(t, factory) })
	t.Run("History_PagesBackwards", func(t *testing.T) { testHistoryPagesBackwards(t, factory) })
	t.Run("History_EmptyChannel", func(t *testing.T) { testHistoryEmptyChannel(t, factory) })
	t.Run("Cleanup_EndsSubscriptionsAndDropsHistory", func(t *testing.T) { testCleanup(t, factory) })
}

// channelName returns a name unique to the running test so that durable hosts
// can be reused across runs.
func channelName(t *testing.T, suffix string) string {
	name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	return fmt.Sprintf("%s-%s-%d", name, suffix, time.Now().UnixNano())
}

type recorder struct {
	mu     sync.Mutex
	events []streams.Event
	signal chan struct{}
}

func newRecorder() *recorder { return &recorder{signal: make(chan struct{}, 1024)} }

func (r *recorder) handle(ctx context.Context, ev streams.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.signal <- struct{}{}
	return nil
}

func (r *recorder) waitFor(t *testing.T, n int, timeout time.Duration) []streams.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]streams.Event(nil), r.events...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.signal:
		case <-deadline:
			r.mu.Lock()
			got := len(r.events)
			r.mu.Unlock()
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
}

func subscribeAsync(ctx context.Context, h streams.Host, channel string, after streams.EventID, handler streams.HandlerFunc) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, channel, after, handler) }()
	// Give the subscription time to register its starting position.
	time.Sleep(100 * time.Millisecond)
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not return")
		return nil
	}
}

func testPublishAndSubscribeLive(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := channelName(t, "live")

	// An event published before the subscription must not be delivered.
	if _, err := h.Publish(ctx, ch, []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	rec := newRecorder()
	subCtx, subCancel := context.WithCancel(ctx)
	done := subscribeAsync(subCtx, h, ch, streams.EventID{}, rec.handle)

	evID, err := h.Publish(ctx, ch, []byte("hello"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evID.IsZero() {
		t.Fatalf("expected non-zero event id")
	}

	got := rec.waitFor(t, 1, 2*time.Second)
	subCancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID != evID {
		t.Fatalf("expected event id %s, got %s", evID, got[0].ID)
	}
	if string(got[0].Data) != "hello" {
		t.Fatalf("expected payload hello, got %q", got[0].Data)
	}
}

func testResumeAfterEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := channelName(t, "resume")

	var ids []streams.EventID
	for i := 0; i < 3; i++ {
		id, err := h.Publish(ctx, ch, []byte(fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	rec := newRecorder()
	subCtx, subCancel := context.WithCancel(ctx)
	done := subscribeAsync(subCtx, h, ch, ids[0], rec.handle)
	got := rec.waitFor(t, 2, 2*time.Second)
	subCancel()
	_ = waitDone(t, done)

	if got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Fatalf("expected replay of %v, got %v", ids[1:], []streams.EventID{got[0].ID, got[1].ID})
	}
	if string(got[1].Data) != "m2" {
		t.Fatalf("unexpected payload %q", got[1].Data)
	}
}

func testChannelIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c1, c2 := channelName(t, "a"), channelName(t, "b")

	r1, r2 := newRecorder(), newRecorder()
	d1 := subscribeAsync(ctx, h, c1, streams.EventID{}, r1.handle)
	d2 := subscribeAsync(ctx, h, c2, streams.EventID{}, r2.handle)

	if _, err := h.Publish(ctx, c1, []byte("to-a")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := h.Publish(ctx, c2, []byte("to-b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	g1 := r1.waitFor(t, 1, 2*time.Second)
	g2 := r2.waitFor(t, 1, 2*time.Second)
	// Allow a stray cross-delivery to surface before asserting.
	time.Sleep(100 * time.Millisecond)
	cancel()
	_ = waitDone(t, d1)
	_ = waitDone(t, d2)

	r1.mu.Lock()
	n1 := len(r1.events)
	r1.mu.Unlock()
	r2.mu.Lock()
	n2 := len(r2.events)
	r2.mu.Unlock()
	if n1 != 1 || n2 != 1 {
		t.Fatalf("expected one event per channel, got %d and %d", n1, n2)
	}
	if string(g1[0].Data) != "to-a" || string(g2[0].Data) != "to-b" {
		t.Fatalf("cross-channel delivery: %q %q", g1[0].Data, g2[0].Data)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := h.Subscribe(ctx, channelName(t, "cancel"), streams.EventID{}, func(ctx context.Context, ev streams.Event) error {
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := channelName(t, "handler-err")

	boom := errors.New("boom")
	var calls int
	var mu sync.Mutex
	done := subscribeAsync(ctx, h, ch, streams.EventID{}, func(ctx context.Context, ev streams.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return boom
	})

	for i := 0; i < 3; i++ {
		if _, err := h.Publish(ctx, ch, []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if err := waitDone(t, done); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected handler to be called once, got %d", calls)
	}
}

func testOrderedDeliveryUnderBurst(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch := channelName(t, "burst")

	const n = 100
	rec := newRecorder()
	subCtx, subCancel := context.WithCancel(ctx)
	done := subscribeAsync(subCtx, h, ch, streams.EventID{}, func(ctx context.Context, ev streams.Event) error {
		// A slow handler must not cause reordering.
		time.Sleep(time.Millisecond)
		return rec.handle(ctx, ev)
	})

	published := make([]streams.EventID, 0, n)
	for i := 0; i < n; i++ {
		id, err := h.Publish(ctx, ch, []byte(fmt.Sprintf("%03d", i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		published = append(published, id)
	}

	got := rec.waitFor(t, n, 8*time.Second)
	subCancel()
	_ = waitDone(t, done)

	for i := 0; i < n; i++ {
		if got[i].ID != published[i] {
			t.Fatalf("event %d: expected id %s, got %s", i, published[i], got[i].ID)
		}
		if want := fmt.Sprintf("%03d", i); string(got[i].Data) != want {
			t.Fatalf("event %d: expected payload %s, got %s", i, want, got[i].Data)
		}
	}
}

func testFanOut(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := channelName(t, "fanout")

	const n = 5
	r1, r2 := newRecorder(), newRecorder()
	d1 := subscribeAsync(ctx, h, ch, streams.EventID{}, r1.handle)
	d2 := subscribeAsync(ctx, h, ch, streams.EventID{}, r2.handle)

	for i := 0; i < n; i++ {
		if _, err := h.Publish(ctx, ch, []byte(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	g1 := r1.waitFor(t, n, 3*time.Second)
	g2 := r2.waitFor(t, n, 3*time.Second)
	cancel()
	_ = waitDone(t, d1)
	_ = waitDone(t, d2)

	for i := 0; i < n; i++ {
		if g1[i].ID != g2[i].ID {
			t.Fatalf("subscribers diverged at %d: %s vs %s", i, g1[i].ID, g2[i].ID)
		}
	}
}

func testIDsStrictlyIncreasing(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := channelName(t, "ids")

	var prev streams.EventID
	for i := 0; i < 50; i++ {
		id, err := h.Publish(ctx, ch, []byte("x"))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if !prev.Less(id) {
			t.Fatalf("id %s not greater than previous %s", id, prev)
		}
		prev = id
	}
}

func testHistoryPagesBackwards(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := channelName(t, "history")

	var ids []streams.EventID
	for i := 0; i < 5; i++ {
		id, err := h.Publish(ctx, ch, []byte(fmt.Sprintf("h%d", i)))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}

	page, err := h.History(ctx, ch, streams.HistoryQuery{Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Events) != 2 || !page.More {
		t.Fatalf("expected 2 events with more, got %d more=%t", len(page.Events), page.More)
	}
	if page.Events[0].ID != ids[3] || page.Events[1].ID != ids[4] {
		t.Fatalf("expected newest two in chronological order, got %s %s", page.Events[0].ID, page.Events[1].ID)
	}

	older, err := h.History(ctx, ch, streams.HistoryQuery{Before: page.Events[0].ID, Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(older.Events) != 3 || older.More {
		t.Fatalf("expected 3 events without more, got %d more=%t", len(older.Events), older.More)
	}
	for i, ev := range older.Events {
		if ev.ID != ids[i] {
			t.Fatalf("older[%d] = %s, want %s", i, ev.ID, ids[i])
		}
		if want := fmt.Sprintf("h%d", i); string(ev.Data) != want {
			t.Fatalf("older[%d] payload = %q, want %q", i, ev.Data, want)
		}
	}

	exact, err := h.History(ctx, ch, streams.HistoryQuery{Before: ids[2], Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(exact.Events) != 2 || exact.More {
		t.Fatalf("expected exactly the 2 oldest without more, got %d more=%t", len(exact.Events), exact.More)
	}
}

func testHistoryEmptyChannel(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	page, err := h.History(ctx, channelName(t, "empty"), streams.HistoryQuery{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Events) != 0 || page.More {
		t.Fatalf("expected empty page, got %d more=%t", len(page.Events), page.More)
	}
}

func testCleanup(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := channelName(t, "cleanup")

	if _, err := h.Publish(ctx, ch, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	done := subscribeAsync(ctx, h, ch, streams.EventID{}, func(context.Context, streams.Event) error { return nil })

	if err := h.Cleanup(ctx, ch); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("expected nil after cleanup, got %v", err)
	}

	page, err := h.History(ctx, ch, streams.HistoryQuery{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Events) != 0 {
		t.Fatalf("expected history to be dropped, got %d events", len(page.Events))
	}
}
