package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/showchat-go/internal/jwtauth"
)

// Option configures optional aspects of credential validation (scopes,
// algorithms, leeway).
type Option func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts more audiences besides the primary one.
func WithAdditionalAudiences(aud ...string) Option {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, aud...)
	}
}

func newConfig(issuer, audience string, opts []Option) (*jwtauth.Config, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// NewFromDiscovery returns a Verifier that verifies JWT credentials
// using OpenID Connect discovery (jwks_uri, issuer).
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...Option) (Verifier, error) {
	cfg, err := newConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewStatic returns a Verifier for a fixed issuer whose keys are served
// at jwksURL.
func NewStatic(ctx context.Context, issuer, audience, jwksURL string, opts ...Option) (Verifier, error) {
	cfg, err := newConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	internal, err := jwtauth.NewStatic(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewSymmetric returns a Verifier for HMAC-signed credentials. Unless
// WithAllowedAlgs says otherwise only HS256 is accepted.
func NewSymmetric(issuer, audience string, secret []byte, opts ...Option) (Verifier, error) {
	cfg, err := newConfig(issuer, audience, append([]Option{WithAllowedAlgs("HS256")}, opts...))
	if err != nil {
		return nil, err
	}
	internal, err := jwtauth.NewSymmetric(cfg, secret)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// IssueSymmetric mints an HS256 credential accepted by NewSymmetric with the
// same issuer, audience and secret.
func IssueSymmetric(secret []byte, issuer, audience, userID string, ttl time.Duration) (string, error) {
	return jwtauth.SignSymmetric(secret, issuer, audience, userID, ttl)
}

// adapter exposes an internal verifier through the public interface.
type adapter struct {
	a jwtauth.Verifier
}

func (ad *adapter) Verify(ctx context.Context, tok string) (Viewer, error) {
	v, err := ad.a.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrRejected, err)
	}
	return viewer{jv: v}, nil
}

type viewer struct{ jv jwtauth.Viewer }

func (v viewer) UserID() string       { return v.jv.UserID() }
func (v viewer) Claims(ref any) error { return v.jv.Claims(ref) }
