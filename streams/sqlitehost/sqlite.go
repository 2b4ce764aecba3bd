// Package sqlitehost implements streams.Host on a SQLite database file. It
// gives a single node durable chat history without running Redis.
//
// Event IDs are minted by the INSERT itself from the newest stored ID, so
// several processes may publish to the same file. Subscribers poll the
// database at a fixed interval and are also woken immediately by publishes
// made through the same Host. Cleanup only ends subscriptions opened through
// the same Host.
package sqlitehost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ggoodman/showchat-go/streams"
)

// Option configures a Host.
type Option func(*Host)

// WithPollInterval sets how often subscribers re-query for new events.
func WithPollInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.poll = d
		}
	}
}

// WithClock overrides the clock used to mint event IDs.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

type Host struct {
	db   *sql.DB
	now  func() time.Time
	poll time.Duration

	// writeMu keeps this process's publishers off SQLite's busy handler.
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	notify chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

// DSNForFile returns a DSN enabling WAL and a busy timeout for path.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlitehost: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

// Open opens (and migrates) the database at dsn.
func Open(dsn string, opts ...Option) (*Host, error) {
	if dsn == "" {
		return nil, errors.New("sqlitehost: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	h := &Host{
		db:   db,
		now:  time.Now,
		poll: 100 * time.Millisecond,
		subs: make(map[string]map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if err := h.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *Host) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *Host) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_events (
		  channel TEXT NOT NULL,
		  ms INTEGER NOT NULL,
		  seq INTEGER NOT NULL,
		  data BLOB NOT NULL,
		  PRIMARY KEY (channel, ms, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS stream_events_by_id
		  ON stream_events(ms, seq);`,
	}
	for _, st := range stmts {
		if _, err := h.db.Exec(st); err != nil {
			return fmt.Errorf("sqlitehost: migrate: %w", err)
		}
	}
	return nil
}

// insertEvent takes the next ID after the newest stored event: the clock's
// millisecond when it is ahead, otherwise the newest millisecond with the
// sequence bumped. The read and the write happen in one statement, so they
// share SQLite's write lock across processes.
const insertEvent = `
INSERT INTO stream_events (channel, ms, seq, data)
SELECT ?1,
       CASE WHEN ?2 > last.ms THEN ?2 ELSE last.ms END,
       CASE WHEN ?2 > last.ms THEN 0 ELSE last.seq + 1 END,
       ?3
FROM (
  SELECT COALESCE((SELECT ms FROM stream_events ORDER BY ms DESC, seq DESC LIMIT 1), -1) AS ms,
         COALESCE((SELECT seq FROM stream_events ORDER BY ms DESC, seq DESC LIMIT 1), -1) AS seq
) AS last
RETURNING ms, seq`

func (h *Host) Publish(ctx context.Context, channel string, data []byte) (streams.EventID, error) {
	var ms, seq int64
	h.writeMu.Lock()
	err := h.db.QueryRowContext(ctx, insertEvent, channel, h.now().UnixMilli(), data).Scan(&ms, &seq)
	h.writeMu.Unlock()
	if err != nil {
		return streams.EventID{}, fmt.Errorf("sqlitehost: insert event: %w", err)
	}
	id := streams.EventID{Millis: uint64(ms), Seq: uint64(seq)}

	h.mu.Lock()
	for sub := range h.subs[channel] {
		sub.wake()
	}
	h.mu.Unlock()
	return id, nil
}

func (h *Host) Subscribe(ctx context.Context, channel string, after streams.EventID, handler streams.HandlerFunc) error {
	sub := &subscription{notify: make(chan struct{}, 1), stopCh: make(chan struct{})}
	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*subscription]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	h.mu.Unlock()
	defer h.unsubscribe(channel, sub)

	cursor := after
	if cursor.IsZero() {
		tail, err := h.tail(ctx, channel)
		if err != nil {
			return err
		}
		cursor = tail
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		evs, err := h.after(ctx, channel, cursor, 100)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		for _, ev := range evs {
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
		if len(evs) == 100 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.stopCh:
			return nil
		case <-sub.notify:
		case <-ticker.C:
		}
	}
}

func (h *Host) History(ctx context.Context, channel string, q streams.HistoryQuery) (streams.HistoryResult, error) {
	q = q.Normalize()
	var (
		rows *sql.Rows
		err  error
	)
	if q.Before.IsZero() {
		rows, err = h.db.QueryContext(ctx, `
			SELECT ms, seq, data FROM stream_events
			WHERE channel = ?
			ORDER BY ms DESC, seq DESC
			LIMIT ?`, channel, q.Limit+1)
	} else {
		ms, seq := int64(q.Before.Millis), int64(q.Before.Seq)
		rows, err = h.db.QueryContext(ctx, `
			SELECT ms, seq, data FROM stream_events
			WHERE channel = ? AND (ms < ? OR (ms = ? AND seq < ?))
			ORDER BY ms DESC, seq DESC
			LIMIT ?`, channel, ms, ms, seq, q.Limit+1)
	}
	if err != nil {
		return streams.HistoryResult{}, fmt.Errorf("sqlitehost: query history: %w", err)
	}
	evs, err := scanEvents(rows)
	if err != nil {
		return streams.HistoryResult{}, err
	}

	more := len(evs) > q.Limit
	if more {
		evs = evs[:q.Limit]
	}
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return streams.HistoryResult{Events: evs, More: more}, nil
}

func (h *Host) Cleanup(ctx context.Context, channel string) error {
	if _, err := h.db.ExecContext(context.WithoutCancel(ctx), `DELETE FROM stream_events WHERE channel = ?`, channel); err != nil {
		return fmt.Errorf("sqlitehost: cleanup: %w", err)
	}
	h.mu.Lock()
	subs := h.subs[channel]
	delete(h.subs, channel)
	h.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
	return nil
}

func (h *Host) after(ctx context.Context, channel string, cursor streams.EventID, limit int) ([]streams.Event, error) {
	ms, seq := int64(cursor.Millis), int64(cursor.Seq)
	rows, err := h.db.QueryContext(ctx, `
		SELECT ms, seq, data FROM stream_events
		WHERE channel = ? AND (ms > ? OR (ms = ? AND seq > ?))
		ORDER BY ms ASC, seq ASC
		LIMIT ?`, channel, ms, ms, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitehost: query events: %w", err)
	}
	return scanEvents(rows)
}

func (h *Host) tail(ctx context.Context, channel string) (streams.EventID, error) {
	var ms, seq int64
	err := h.db.QueryRowContext(ctx, `
		SELECT ms, seq FROM stream_events
		WHERE channel = ?
		ORDER BY ms DESC, seq DESC
		LIMIT 1`, channel).Scan(&ms, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return streams.EventID{}, nil
	}
	if err != nil {
		return streams.EventID{}, fmt.Errorf("sqlitehost: query tail: %w", err)
	}
	return streams.EventID{Millis: uint64(ms), Seq: uint64(seq)}, nil
}

func (h *Host) unsubscribe(channel string, sub *subscription) {
	h.mu.Lock()
	if set, ok := h.subs[channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
	h.mu.Unlock()
	sub.stop()
}

func scanEvents(rows *sql.Rows) ([]streams.Event, error) {
	defer rows.Close()
	var out []streams.Event
	for rows.Next() {
		var (
			ms, seq int64
			data    []byte
		)
		if err := rows.Scan(&ms, &seq, &data); err != nil {
			return nil, fmt.Errorf("sqlitehost: scan event: %w", err)
		}
		out = append(out, streams.Event{ID: streams.EventID{Millis: uint64(ms), Seq: uint64(seq)}, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitehost: iterate events: %w", err)
	}
	return out, nil
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

// Interface compliance
var _ streams.Host = (*Host)(nil)
