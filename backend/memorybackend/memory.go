// Package memorybackend is an in-process implementation of backend.Backend.
// It serves a Catalog of client keys and shows, issues opaque session grants,
// admits guests with generated IDs, and validates chat credentials through an
// auth.Verifier.
//
// It backs tests and cmd/showchatd; the catalog can be hot-reloaded from a
// YAML file with WatchCatalog.
package memorybackend

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/showchat-go/auth"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/model"
	"github.com/google/uuid"
)

// FaultFunc is consulted at the start of every call. A non-nil return value
// fails the call; errors without a failure.Kind are reported as transport
// failures.
type FaultFunc func(ctx context.Context, op string) error

// Option configures a Backend.
type Option func(*Backend)

// WithCatalog sets the initial catalog.
func WithCatalog(c Catalog) Option {
	return func(b *Backend) { b.catalog = c }
}

// WithVerifier validates non-guest chat credentials. Without one every
// non-guest open is rejected as an invalid credential.
func WithVerifier(v auth.Verifier) Option {
	return func(b *Backend) { b.verifier = v }
}

// WithGrantTTL bounds the lifetime of session grants. Zero means no expiry.
func WithGrantTTL(d time.Duration) Option {
	return func(b *Backend) { b.grantTTL = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.log = l
		}
	}
}

// WithFault installs a fault injection hook.
func WithFault(f FaultFunc) Option {
	return func(b *Backend) { b.fault = f }
}

// WithClock overrides time.Now for grant expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

type grantRecord struct {
	clientKey string
	expiresAt time.Time
}

// Backend is the in-memory reference service.
type Backend struct {
	mu      sync.RWMutex
	catalog Catalog
	grants  map[string]grantRecord
	// authorizations counts Authorize round trips, for tests.
	authorizations int

	verifier auth.Verifier
	grantTTL time.Duration
	log      *slog.Logger
	fault    FaultFunc
	now      func() time.Time
}

func New(opts ...Option) *Backend {
	b := &Backend{
		grants:   make(map[string]grantRecord),
		grantTTL: time.Hour,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetCatalog atomically replaces the served catalog. Existing grants stay
// valid only if their client key is still listed.
func (b *Backend) SetCatalog(c Catalog) {
	b.mu.Lock()
	b.catalog = c
	b.mu.Unlock()
}

// Catalog returns a copy of the served catalog.
func (b *Backend) Catalog() Catalog {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Catalog{
		ClientKeys: slices.Clone(b.catalog.ClientKeys),
		Shows:      slices.Clone(b.catalog.Shows),
	}
}

// UpsertShow adds or replaces one show in the catalog.
func (b *Backend) UpsertShow(s model.Show) {
	b.mu.Lock()
	defer b.mu.Unlock()
	shows := slices.Clone(b.catalog.Shows)
	for i := range shows {
		if shows[i].ShowKey == s.ShowKey {
			shows[i] = s
			b.catalog.Shows = shows
			return
		}
	}
	b.catalog.Shows = append(shows, s)
}

// Authorizations reports how many Authorize calls reached the backend.
func (b *Backend) Authorizations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.authorizations
}

func (b *Backend) Authorize(ctx context.Context, req backend.AuthorizeRequest) (backend.Grant, error) {
	const op = "backend.authorize"
	if err := b.injectFault(ctx, op); err != nil {
		return backend.Grant{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.authorizations++

	key := strings.TrimSpace(req.ClientKey)
	if key == "" {
		return backend.Grant{}, failure.New(failure.KindInvalidInput, op, "client key is required")
	}
	if !slices.Contains(b.catalog.ClientKeys, key) {
		b.log.WarnContext(ctx, "backend.authorize.reject")
		return backend.Grant{}, failure.New(failure.KindInvalidCredential, op, "client key rejected")
	}

	g := backend.Grant{Token: uuid.NewString()}
	rec := grantRecord{clientKey: key}
	if b.grantTTL > 0 {
		g.ExpiresAt = b.now().Add(b.grantTTL)
		rec.expiresAt = g.ExpiresAt
	}
	b.grants[g.Token] = rec

	b.log.InfoContext(ctx, "backend.authorize.ok",
		slog.Bool("debug_mode", req.Options.DebugMode),
		slog.Bool("test_mode", req.Options.TestMode),
		slog.Bool("dnt", req.Options.DoNotTrack),
	)
	return g, nil
}

func (b *Backend) ShowDetails(ctx context.Context, grant backend.Grant, showKey string) (model.Show, error) {
	const op = "backend.show_details"
	if err := b.injectFault(ctx, op); err != nil {
		return model.Show{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkGrantLocked(op, grant); err != nil {
		return model.Show{}, err
	}
	return b.lookupShowLocked(op, showKey)
}

func (b *Backend) ShowStatus(ctx context.Context, grant backend.Grant, showKey string) (model.ShowStatus, error) {
	const op = "backend.show_status"
	if err := b.injectFault(ctx, op); err != nil {
		return model.ShowStatus{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkGrantLocked(op, grant); err != nil {
		return model.ShowStatus{}, err
	}
	s, err := b.lookupShowLocked(op, showKey)
	if err != nil {
		return model.ShowStatus{}, err
	}
	return s.StatusSnapshot(), nil
}

func (b *Backend) OpenChat(ctx context.Context, grant backend.Grant, req backend.ChatRequest) (backend.ChatGrant, error) {
	const op = "backend.open_chat"
	if err := b.injectFault(ctx, op); err != nil {
		return backend.ChatGrant{}, err
	}

	b.mu.RLock()
	err := b.checkGrantLocked(op, grant)
	if err == nil {
		_, err = b.lookupShowLocked(op, req.ShowKey)
	}
	verifier := b.verifier
	b.mu.RUnlock()
	if err != nil {
		return backend.ChatGrant{}, err
	}

	cg := backend.ChatGrant{Guest: req.Guest, ShowKey: req.ShowKey, Channel: backend.ChannelForShow(req.ShowKey)}
	if req.Guest {
		cg.UserID = "guest-" + uuid.NewString()
		b.log.InfoContext(ctx, "backend.open_chat.guest", slog.String("show_key", req.ShowKey))
		return cg, nil
	}

	if strings.TrimSpace(req.Credential) == "" {
		return backend.ChatGrant{}, failure.New(failure.KindInvalidInput, op, "credential is required")
	}
	if verifier == nil {
		return backend.ChatGrant{}, failure.New(failure.KindInvalidCredential, op, "credentialed chat is not enabled")
	}
	viewer, err := verifier.Verify(ctx, req.Credential)
	if err != nil {
		b.log.WarnContext(ctx, "backend.open_chat.reject", slog.String("err", err.Error()))
		return backend.ChatGrant{}, failure.Wrap(failure.KindInvalidCredential, op, err)
	}
	cg.UserID = viewer.UserID()
	b.log.InfoContext(ctx, "backend.open_chat.ok", slog.String("show_key", req.ShowKey), slog.String("user_id", cg.UserID))
	return cg, nil
}

// checkGrantLocked reports a missing, expired or revoked session grant as
// NotReady: the caller must initialize a new session.
func (b *Backend) checkGrantLocked(op string, g backend.Grant) error {
	rec, ok := b.grants[g.Token]
	if !ok || g.Token == "" {
		return failure.New(failure.KindNotReady, op, "unknown session grant")
	}
	if !rec.expiresAt.IsZero() && !b.now().Before(rec.expiresAt) {
		return failure.New(failure.KindNotReady, op, "session grant expired")
	}
	if !slices.Contains(b.catalog.ClientKeys, rec.clientKey) {
		return failure.New(failure.KindNotReady, op, "client key revoked")
	}
	return nil
}

func (b *Backend) lookupShowLocked(op, showKey string) (model.Show, error) {
	if strings.TrimSpace(showKey) == "" {
		return model.Show{}, failure.New(failure.KindInvalidInput, op, "show key is required")
	}
	for _, s := range b.catalog.Shows {
		if s.ShowKey == showKey {
			return s, nil
		}
	}
	return model.Show{}, failure.Newf(failure.KindInvalidInput, op, "unknown show %q", showKey)
}

func (b *Backend) injectFault(ctx context.Context, op string) error {
	if b.fault == nil {
		return nil
	}
	if err := b.fault(ctx, op); err != nil {
		return failure.Wrap(failure.KindTransport, op, err)
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
