// Package httpbackend carries backend.Backend over JSON/HTTP: Client is a
// backend.Backend that calls a remote service, and Handler serves any
// backend.Backend. Failure kinds survive the round trip through the error body
// and, failing that, the HTTP status.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/model"
	"github.com/google/uuid"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client. Per-call deadlines come from the
// context, so the client itself needs no timeout.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// Client is a backend.Backend talking to a Handler over HTTP.
type Client struct {
	base *url.URL
	http *http.Client
	log  *slog.Logger
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpbackend: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpbackend: base url must be http(s), got %q", baseURL)
	}
	c := &Client{base: u, http: http.DefaultClient, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) Authorize(ctx context.Context, req backend.AuthorizeRequest) (backend.Grant, error) {
	var g backend.Grant
	err := c.do(ctx, "backend.authorize", http.MethodPost, "/v1/sessions", nil, req, &g)
	return g, err
}

func (c *Client) ShowDetails(ctx context.Context, grant backend.Grant, showKey string) (model.Show, error) {
	const op = "backend.show_details"
	if strings.TrimSpace(showKey) == "" {
		return model.Show{}, failure.New(failure.KindInvalidInput, op, "show key is required")
	}
	var s model.Show
	err := c.do(ctx, op, http.MethodGet, "/v1/shows/"+url.PathEscape(showKey), &grant, nil, &s)
	return s, err
}

func (c *Client) ShowStatus(ctx context.Context, grant backend.Grant, showKey string) (model.ShowStatus, error) {
	const op = "backend.show_status"
	if strings.TrimSpace(showKey) == "" {
		return model.ShowStatus{}, failure.New(failure.KindInvalidInput, op, "show key is required")
	}
	var st model.ShowStatus
	err := c.do(ctx, op, http.MethodGet, "/v1/shows/"+url.PathEscape(showKey)+"/status", &grant, nil, &st)
	return st, err
}

func (c *Client) OpenChat(ctx context.Context, grant backend.Grant, req backend.ChatRequest) (backend.ChatGrant, error) {
	const op = "backend.open_chat"
	if strings.TrimSpace(req.ShowKey) == "" {
		return backend.ChatGrant{}, failure.New(failure.KindInvalidInput, op, "show key is required")
	}
	var cg backend.ChatGrant
	err := c.do(ctx, op, http.MethodPost, "/v1/shows/"+url.PathEscape(req.ShowKey)+"/chat", &grant, req, &cg)
	return cg, err
}

func (c *Client) do(ctx context.Context, op, method, path string, grant *backend.Grant, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return failure.Wrap(failure.KindInvalidInput, op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return failure.Wrap(failure.KindUnknown, op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set(requestIDHeader, reqID)
	req.Header.Set("Accept", jsonMediaType.String())
	if in != nil {
		req.Header.Set("Content-Type", jsonMediaType.String())
	}
	if grant != nil {
		req.Header.Set(authorizationHeader, bearerPrefix+grant.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.DebugContext(ctx, "http.client.fail", slog.String("op", op), slog.String("request_id", reqID), slog.String("err", err.Error()))
		return failure.Wrap(failure.KindTransport, op, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(op, resp)
	}

	if mt, err := responseMediaType(resp); err != nil || !mt.Matches(jsonMediaType) {
		return failure.Newf(failure.KindTransport, op, "unexpected content-type %q", resp.Header.Get("Content-Type"))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failure.Wrap(failure.KindTransport, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	kind := kindForStatus(resp.StatusCode)
	msg := resp.Status

	var eb errorBody
	if mt, err := responseMediaType(resp); err == nil && mt.Matches(jsonMediaType) {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); err == nil {
			if k, ok := knownKind(eb.Error.Kind); ok {
				kind = k
			}
			if eb.Error.Message != "" {
				msg = eb.Error.Message
			}
		}
	}
	return &failure.Error{Kind: kind, Op: op, Msg: msg, Err: errors.New(resp.Status)}
}

// responseMediaType parses a response Content-Type with the same rules the
// handler applies to requests.
func responseMediaType(resp *http.Response) (contenttype.MediaType, error) {
	return contenttype.GetMediaType(&http.Request{Header: http.Header{"Content-Type": resp.Header.Values("Content-Type")}})
}

var _ backend.Backend = (*Client)(nil)
