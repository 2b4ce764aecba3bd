package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with whatever request, operation and chat data
// the context carries.
type Handler struct {
	slog.Handler
}

// New wraps h so loggers built on it pick up context data.
func New(h slog.Handler) *slog.Logger {
	return slog.New(Handler{Handler: h})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if od, ok := ctx.Value(opDataKey{}).(*OpData); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("name", od.Name),
			slog.String("show_key", od.ShowKey),
		))
	}

	if cd, ok := ctx.Value(chatDataKey{}).(*ChatData); ok {
		r.AddAttrs(slog.Group("chat",
			slog.String("show_key", cd.ShowKey),
			slog.String("user_id", cd.UserID),
			slog.Bool("guest", cd.Guest),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type opDataKey struct{}

// OpData names the client operation a log line belongs to.
type OpData struct {
	Name    string
	ShowKey string
}

func WithOp(ctx context.Context, data *OpData) context.Context {
	return context.WithValue(ctx, opDataKey{}, data)
}

type chatDataKey struct{}

type ChatData struct {
	ShowKey string
	UserID  string
	Guest   bool
}

func WithChatData(ctx context.Context, data *ChatData) context.Context {
	return context.WithValue(ctx, chatDataKey{}, data)
}
