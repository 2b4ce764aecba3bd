package httpbackend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/internal/logctx"
	"github.com/google/uuid"
)

// Option configures the Handler.
type Option func(*handlerConfig)

type handlerConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger used by the handler. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *handlerConfig) { c.logger = l }
}

// Handler serves any backend.Backend over JSON/HTTP.
//
//	POST /v1/sessions              authorize a client key, returns a Grant
//	GET  /v1/shows/{key}           show details
//	GET  /v1/shows/{key}/status    show status subset
//	POST /v1/shows/{key}/chat      open chat, returns a ChatGrant
//
// Every route but the first needs "Authorization: Bearer <grant token>".
type Handler struct {
	b   backend.Backend
	log *slog.Logger
	mux *http.ServeMux
}

func NewHandler(b backend.Backend, opts ...Option) *Handler {
	cfg := handlerConfig{logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	h := &Handler{b: b, log: slog.New(logctx.Handler{Handler: cfg.logger.Handler()})}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", h.handleAuthorize)
	mux.HandleFunc("GET /v1/shows/{key}", h.handleShowDetails)
	mux.HandleFunc("GET /v1/shows/{key}/status", h.handleShowStatus)
	mux.HandleFunc("POST /v1/shows/{key}/chat", h.handleOpenChat)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req backend.AuthorizeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	g, err := h.b.Authorize(ctx, req)
	if err != nil {
		h.log.InfoContext(ctx, "http.authorize.fail", slog.String("err", err.Error()))
		writeJSONError(w, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, g)
	h.log.InfoContext(ctx, "http.authorize.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleShowDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, ok := h.grant(w, r)
	if !ok {
		return
	}
	s, err := h.b.ShowDetails(ctx, g, r.PathValue("key"))
	if err != nil {
		h.log.InfoContext(ctx, "http.show_details.fail", slog.String("err", err.Error()))
		writeJSONError(w, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, s)
}

func (h *Handler) handleShowStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, ok := h.grant(w, r)
	if !ok {
		return
	}
	st, err := h.b.ShowStatus(ctx, g, r.PathValue("key"))
	if err != nil {
		h.log.InfoContext(ctx, "http.show_status.fail", slog.String("err", err.Error()))
		writeJSONError(w, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, st)
}

func (h *Handler) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, ok := h.grant(w, r)
	if !ok {
		return
	}
	var req backend.ChatRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	// The path is authoritative for the show key.
	req.ShowKey = r.PathValue("key")
	cg, err := h.b.OpenChat(ctx, g, req)
	if err != nil {
		h.log.InfoContext(ctx, "http.open_chat.fail", slog.String("err", err.Error()))
		writeJSONError(w, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, cg)
}

// grant extracts the bearer grant token. On failure it writes the response.
func (h *Handler) grant(w http.ResponseWriter, r *http.Request) (backend.Grant, bool) {
	ctx := r.Context()
	authHeader := r.Header.Get(authorizationHeader)
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		h.log.InfoContext(ctx, "http.grant.missing")
		writeJSONStatus(w, http.StatusUnauthorized, failure.KindInvalidCredential, "missing bearer grant")
		return backend.Grant{}, false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "http.grant.invalid")
		writeJSONStatus(w, http.StatusBadRequest, failure.KindInvalidInput, "empty bearer grant")
		return backend.Grant{}, false
	}
	return backend.Grant{Token: tok}, true
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ctx := r.Context()
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeJSONStatus(w, http.StatusUnsupportedMediaType, failure.KindInvalidInput, "content-type must be application/json")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeJSONStatus(w, http.StatusBadRequest, failure.KindInvalidInput, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
			writeJSONStatus(w, http.StatusNotAcceptable, failure.KindInvalidInput, "only application/json is available")
			return
		}
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WarnContext(r.Context(), "json.encode.fail", slog.String("err", err.Error()))
	}
}
