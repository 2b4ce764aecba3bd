package memoryhost

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/showchat-go/streams"
)

// Host is an in-memory implementation of streams.Host.
type Host struct {
	mu       sync.Mutex
	channels map[string]*channelData
	ids      *streams.IDGenerator
	maxLen   int
}

type channelData struct {
	events      []streams.Event
	subscribers map[*subscription]struct{}
}

type subscription struct {
	notify chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

// Option configures a Host.
type Option func(*Host)

// WithClock overrides the clock used to mint event IDs.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.ids = streams.NewIDGenerator(now) }
}

// WithMaxLen bounds each channel to the newest n events.
func WithMaxLen(n int) Option {
	return func(h *Host) { h.maxLen = n }
}

func New(opts ...Option) *Host {
	h := &Host{
		channels: make(map[string]*channelData),
		ids:      streams.NewIDGenerator(nil),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Host) Publish(ctx context.Context, channel string, data []byte) (streams.EventID, error) {
	if err := ctx.Err(); err != nil {
		return streams.EventID{}, err
	}

	h.mu.Lock()
	cd := h.ensureChannelLocked(channel)
	ev := streams.Event{ID: h.ids.Next(), Data: append([]byte(nil), data...)}
	cd.events = append(cd.events, ev)
	if h.maxLen > 0 && len(cd.events) > h.maxLen {
		cd.events = append([]streams.Event(nil), cd.events[len(cd.events)-h.maxLen:]...)
	}
	for sub := range cd.subscribers {
		sub.wake()
	}
	h.mu.Unlock()

	return ev.ID, nil
}

func (h *Host) Subscribe(ctx context.Context, channel string, after streams.EventID, handler streams.HandlerFunc) error {
	sub := &subscription{notify: make(chan struct{}, 1), stopCh: make(chan struct{})}

	h.mu.Lock()
	cd := h.ensureChannelLocked(channel)
	cursor := after
	if cursor.IsZero() && len(cd.events) > 0 {
		cursor = cd.events[len(cd.events)-1].ID
	}
	cd.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	defer h.unsubscribe(channel, cd, sub)

	for {
		for _, ev := range h.pending(cd, cursor) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sub.stopCh:
				return nil
			default:
			}
			if err := handler(ctx, ev); err != nil {
				return err
			}
			cursor = ev.ID
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.stopCh:
			return nil
		case <-sub.notify:
		}
	}
}

func (h *Host) History(ctx context.Context, channel string, q streams.HistoryQuery) (streams.HistoryResult, error) {
	if err := ctx.Err(); err != nil {
		return streams.HistoryResult{}, err
	}
	q = q.Normalize()

	h.mu.Lock()
	defer h.mu.Unlock()
	cd, ok := h.channels[channel]
	if !ok {
		return streams.HistoryResult{}, nil
	}

	end := len(cd.events)
	if !q.Before.IsZero() {
		end = sort.Search(len(cd.events), func(i int) bool { return !cd.events[i].ID.Less(q.Before) })
	}
	start := end - q.Limit
	if start < 0 {
		start = 0
	}
	out := make([]streams.Event, end-start)
	copy(out, cd.events[start:end])
	return streams.HistoryResult{Events: out, More: start > 0}, nil
}

func (h *Host) Cleanup(ctx context.Context, channel string) error {
	h.mu.Lock()
	cd, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.channels, channel)
	subs := make([]*subscription, 0, len(cd.subscribers))
	for sub := range cd.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// pending returns a snapshot of events after cursor.
func (h *Host) pending(cd *channelData, cursor streams.EventID) []streams.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.Search(len(cd.events), func(i int) bool { return cursor.Less(cd.events[i].ID) })
	if i >= len(cd.events) {
		return nil
	}
	out := make([]streams.Event, len(cd.events)-i)
	copy(out, cd.events[i:])
	return out
}

func (h *Host) unsubscribe(channel string, cd *channelData, sub *subscription) {
	h.mu.Lock()
	delete(cd.subscribers, sub)
	h.mu.Unlock()
	sub.stop()
}

func (h *Host) ensureChannelLocked(channel string) *channelData {
	cd, ok := h.channels[channel]
	if !ok {
		cd = &channelData{subscribers: make(map[*subscription]struct{})}
		h.channels[channel] = cd
	}
	return cd
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// Ensure interface compliance
var _ streams.Host = (*Host)(nil)
