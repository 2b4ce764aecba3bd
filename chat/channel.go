package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/internal/logctx"
	"github.com/ggoodman/showchat-go/model"
	"github.com/ggoodman/showchat-go/streams"
	"github.com/oklog/ulid/v2"
)

// Channel is the message channel of the manager's current chat session. All
// operations fail with NotReady unless the manager is Active.
type Channel struct {
	m *Manager
}

// payload is the stream encoding of a message. The timetoken is the stream
// event ID and is not stored.
type payload struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	SenderID string    `json:"sender_id"`
	SentAt   time.Time `json:"sent_at"`
}

func decodeEvent(ev streams.Event) (model.Message, error) {
	var p payload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return model.Message{}, fmt.Errorf("decode message %s: %w", ev.ID, err)
	}
	return model.Message{ID: p.ID, Text: p.Text, SenderID: p.SenderID, SentAt: p.SentAt, Timetoken: ev.ID}, nil
}

func (c *Channel) chatCtx(ctx context.Context, op string, ep *epoch) context.Context {
	ctx = logctx.WithOp(ctx, &logctx.OpData{Name: op, ShowKey: ep.id.ShowKey})
	return logctx.WithChatData(ctx, &logctx.ChatData{ShowKey: ep.id.ShowKey, UserID: ep.id.UserID, Guest: ep.id.Guest})
}

// Publish sends text as the current identity. The future resolves to the
// timetoken the host assigned; sequential publishes resolve to increasing
// timetokens.
func (c *Channel) Publish(ctx context.Context, text string) *async.Future[model.Timetoken] {
	const op = "chat.publish"
	m := c.m

	if strings.TrimSpace(text) == "" {
		return async.Completed(model.Timetoken{}, error(failure.New(failure.KindInvalidInput, op, "message text is empty")))
	}
	ep, err := m.active(op)
	if err != nil {
		return async.Completed(model.Timetoken{}, err)
	}
	ctx = c.chatCtx(ctx, op, ep)

	data, err := json.Marshal(payload{ID: ulid.Make().String(), Text: text, SenderID: ep.id.UserID, SentAt: m.now().UTC()})
	if err != nil {
		return async.Completed(model.Timetoken{}, failure.Wrap(failure.KindUnknown, op, err))
	}

	f := async.Go(m.pool, ctx, op, func(ctx context.Context) (model.Timetoken, error) {
		tt, err := m.host.Publish(ctx, ep.id.Channel, data)
		if err != nil {
			return model.Timetoken{}, failure.Wrap(failure.KindTransport, op, err)
		}
		return tt, nil
	})
	f.OnComplete(func(tt model.Timetoken, err error) {
		if err != nil {
			m.log.InfoContext(ctx, "chat.publish.fail", slog.String("err", err.Error()))
			return
		}
		m.log.DebugContext(ctx, "chat.publish.ok", slog.String("timetoken", tt.String()))
	})
	return f
}

// History fetches one page of messages strictly older than cursor, or the
// newest page when cursor is empty. A pageSize of 0 selects the default;
// larger sizes are capped at streams.MaxHistoryLimit. Messages come back
// in chronological order; pass the returned Cursor to page further back.
func (c *Channel) History(ctx context.Context, pageSize int, cursor string) *async.Future[model.HistoryPage] {
	const op = "chat.history"
	m := c.m

	if pageSize < 0 {
		return async.Completed(model.HistoryPage{}, error(failure.Newf(failure.KindInvalidInput, op, "page size %d is negative", pageSize)))
	}
	if pageSize == 0 {
		pageSize = m.pageSize
	}
	q := streams.HistoryQuery{Limit: pageSize}.Normalize()
	if cursor != "" {
		before, err := model.ParseTimetoken(cursor)
		if err != nil {
			return async.Completed(model.HistoryPage{}, error(failure.Newf(failure.KindInvalidInput, op, "malformed cursor %q", cursor)))
		}
		q.Before = before
	}
	ep, err := m.active(op)
	if err != nil {
		return async.Completed(model.HistoryPage{}, err)
	}
	ctx = c.chatCtx(ctx, op, ep)

	return async.Go(m.pool, ctx, op, func(ctx context.Context) (model.HistoryPage, error) {
		res, err := m.host.History(ctx, ep.id.Channel, q)
		if err != nil {
			return model.HistoryPage{}, failure.Wrap(failure.KindTransport, op, err)
		}
		page := model.HistoryPage{Messages: make([]model.Message, 0, len(res.Events)), More: res.More}
		for _, ev := range res.Events {
			msg, err := decodeEvent(ev)
			if err != nil {
				m.log.WarnContext(ctx, "chat.history.skip", slog.String("err", err.Error()))
				continue
			}
			page.Messages = append(page.Messages, msg)
		}
		if res.More && len(res.Events) > 0 {
			page.Cursor = res.Events[0].ID.String()
		}
		return page, nil
	})
}
