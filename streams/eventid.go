package streams

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventID identifies an event within a channel. It uses the Redis stream ID
// shape "<millis>-<seq>": the wall-clock millisecond the event was stored at,
// plus a sequence number disambiguating events within the same millisecond.
type EventID struct {
	Millis uint64
	Seq    uint64
}

// ParseEventID parses the "<millis>-<seq>" form. A bare "<millis>" is
// accepted with a zero sequence.
func ParseEventID(s string) (EventID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EventID{}, fmt.Errorf("%w: empty", ErrInvalidEventID)
	}
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return EventID{}, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
		}
	}
	return EventID{Millis: ms, Seq: seq}, nil
}

// MustParseEventID is ParseEventID for constants in tests.
func MustParseEventID(s string) EventID {
	id, err := ParseEventID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id EventID) String() string {
	return strconv.FormatUint(id.Millis, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// IsZero reports whether id is the zero ID, which precedes every real event.
func (id EventID) IsZero() bool { return id.Millis == 0 && id.Seq == 0 }

// Time returns the wall-clock instant encoded in id.
func (id EventID) Time() time.Time { return time.UnixMilli(int64(id.Millis)) }

// Compare returns -1, 0 or +1.
func (id EventID) Compare(other EventID) int {
	switch {
	case id.Millis < other.Millis:
		return -1
	case id.Millis > other.Millis:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

// Less reports whether id sorts before other.
func (id EventID) Less(other EventID) bool { return id.Compare(other) < 0 }

func (id EventID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EventID) UnmarshalText(b []byte) error {
	parsed, err := ParseEventID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IDGenerator hands out strictly increasing EventIDs derived from a clock.
// When the clock stalls or goes backwards the previous millisecond is reused
// with an incremented sequence.
type IDGenerator struct {
	mu   sync.Mutex
	last EventID
	now  func() time.Time
}

// NewIDGenerator returns a generator reading now, or time.Now when nil.
func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

// Seed makes every subsequent ID greater than last.
func (g *IDGenerator) Seed(last EventID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last.Less(last) {
		g.last = last
	}
}

func (g *IDGenerator) Next() EventID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := uint64(g.now().UnixMilli())
	if ms <= g.last.Millis {
		g.last = EventID{Millis: g.last.Millis, Seq: g.last.Seq + 1}
	} else {
		g.last = EventID{Millis: ms}
	}
	return g.last
}
