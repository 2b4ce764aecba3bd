// Package streams defines the ordered message stream contract that chat
// channels are built on. A Host stores an append-only log per channel, fans
// new events out to live subscribers in order, and serves paged history.
//
// Implementations live in subpackages:
//
//	memoryhost  in-process, ephemeral
//	redishost   Redis Streams (XADD / XREAD / XREVRANGE)
//	sqlitehost  SQLite file, polling subscribers
//
// Every implementation is expected to pass streamstest.RunHostTests.
package streams

import (
	"context"
	"errors"
)

// DefaultHistoryLimit is applied when a HistoryQuery carries no limit.
const DefaultHistoryLimit = 25

// MaxHistoryLimit caps a single history page.
const MaxHistoryLimit = 100

var (
	// ErrInvalidEventID is returned when an event ID string cannot be parsed.
	ErrInvalidEventID = errors.New("invalid event id")
	// ErrHostClosed is returned by operations on a host that has been closed.
	ErrHostClosed = errors.New("stream host closed")
)

// Event is one entry of a channel log.
type Event struct {
	ID   EventID
	Data []byte
}

// HandlerFunc receives events for a subscription, one at a time and in ID
// order. Returning an error ends the subscription with that error.
type HandlerFunc func(ctx context.Context, ev Event) error

// HistoryQuery selects a page of events strictly older than Before. A zero
// Before selects the newest events.
type HistoryQuery struct {
	Before EventID
	Limit  int
}

// Normalize clamps Limit into [1, MaxHistoryLimit], applying the default for
// non-positive values.
func (q HistoryQuery) Normalize() HistoryQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		q.Limit = MaxHistoryLimit
	}
	return q
}

// HistoryResult is a page of events in chronological order. More reports
// whether events older than Events[0] exist.
type HistoryResult struct {
	Events []Event
	More   bool
}

// Host is an ordered, multi-channel event log with live fan-out.
type Host interface {
	// Publish appends data to channel and returns its ID. IDs are strictly
	// increasing within a channel.
	Publish(ctx context.Context, channel string, data []byte) (EventID, error)

	// Subscribe delivers every event of channel with an ID greater than after,
	// then keeps delivering new events until ctx ends, the handler fails, or
	// the channel is cleaned up. A zero after starts at the current tail so
	// only events published from now on are delivered. Subscribe blocks; it
	// returns ctx.Err() on cancellation, the handler error if one occurred,
	// and nil if the channel was cleaned up.
	Subscribe(ctx context.Context, channel string, after EventID, handler HandlerFunc) error

	// History returns one page of past events.
	History(ctx context.Context, channel string, q HistoryQuery) (HistoryResult, error)

	// Cleanup deletes channel and ends its subscriptions.
	Cleanup(ctx context.Context, channel string) error
}
