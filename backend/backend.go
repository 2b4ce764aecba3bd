// Package backend defines the contract of the hosted live-show service. The
// service is opaque: showchat only needs it to authorize a client key,
// resolve shows, and admit viewers to a show's chat.
//
// Implementations report failures as *failure.Error so that the kind survives
// every hop:
//
//	InvalidInput       empty or unknown keys
//	InvalidCredential  rejected client key, grant, or chat credential
//	NotReady           service-side prerequisite missing
//	Transport          connectivity, timeouts, 5xx
//
// Two implementations ship with the module: memorybackend (in-process
// reference service) and httpbackend (JSON over HTTP client and server).
package backend

import (
	"context"
	"time"

	"github.com/ggoodman/showchat-go/config"
	"github.com/ggoodman/showchat-go/model"
)

// AuthorizeRequest is the client-key handshake payload.
type AuthorizeRequest struct {
	ClientKey string         `json:"client_key"`
	Options   config.Options `json:"options"`
}

// Grant is the session token the service issues for a client key. It is
// presented on every later call.
type Grant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether g has lapsed at now. A zero ExpiresAt never expires.
func (g Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// ChatRequest asks for admission to a show's chat.
type ChatRequest struct {
	ShowKey string `json:"show_key"`
	// Credential is ignored for guests.
	Credential string `json:"credential,omitempty"`
	Guest      bool   `json:"guest"`
}

// ChatGrant admits one viewer to a show's chat.
type ChatGrant struct {
	UserID  string `json:"user_id"`
	Guest   bool   `json:"guest"`
	ShowKey string `json:"show_key"`
	// Channel names the stream the chat's messages flow through.
	Channel string `json:"channel"`
}

// Backend is the hosted service API.
type Backend interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Grant, error)
	ShowDetails(ctx context.Context, grant Grant, showKey string) (model.Show, error)
	ShowStatus(ctx context.Context, grant Grant, showKey string) (model.ShowStatus, error)
	OpenChat(ctx context.Context, grant Grant, req ChatRequest) (ChatGrant, error)
}

// ChannelForShow is the stream channel reference services assign to a show.
func ChannelForShow(showKey string) string { return "show:" + showKey + ":chat" }
