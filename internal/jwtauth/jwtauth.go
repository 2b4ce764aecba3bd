package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation of chat credentials: issuer, audience, scope,
// algorithm and clock-skew policies.
type Config struct {
	Issuer string
	// ExpectedAudiences lists every accepted audience. A token must carry at
	// least one of them.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Viewer carries the subject and claims of a verified credential.
type Viewer interface {
	UserID() string
	Claims(ref any) error
}

type verified struct {
	sub    string
	claims jwt.MapClaims
}

func (v *verified) UserID() string { return v.sub }

func (v *verified) Claims(ref any) error {
	b, err := json.Marshal(v.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates a credential and returns the subject it was issued
// to. Implementations perform signature, issuer, audience and time checks.
type Verifier interface {
	Verify(ctx context.Context, tok string) (Viewer, error)
}

var (
	// ErrRejected covers signature, issuer, audience and lifetime failures.
	ErrRejected = errors.New("jwtauth: credential rejected")
	// ErrInsufficientScope is a valid credential missing a required scope.
	ErrInsufficientScope = errors.New("jwtauth: insufficient scope")
)

// validator holds the policy shared by every Verifier flavor; only the
// key lookup differs.
type validator struct {
	cfg     *Config
	issuer  string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer and
// returns a Verifier backed by an auto-refreshing JWKS.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	applyDefaults(cfg)

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("jwtauth: discover %s: %w", cfg.Issuer, err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, fmt.Errorf("jwtauth: %s advertises no jwks_uri", cfg.Issuer)
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwtauth: load jwks: %w", err)
	}

	return &validator{cfg: cfg, issuer: meta.Issuer, keyfunc: restrictAlgs(cfg.AllowedAlgs, kf.Keyfunc)}, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
}

func restrictAlgs(allowed []string, next jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(allowed, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return next(t)
	}
}

func (v *validator) Verify(ctx context.Context, tok string) (Viewer, error) {
	if strings.TrimSpace(tok) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrRejected)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type %T", ErrRejected, parsed.Claims)
	}

	if len(v.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrRejected)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(v.cfg.Leeway).Add(5 * time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrRejected)
		}
	}
	if err := checkScopes(claims, v.cfg); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrRejected)
	}
	return &verified{sub: sub, claims: claims}, nil
}

func checkScopes(claims jwt.MapClaims, cfg *Config) error {
	if len(cfg.RequiredScopes) == 0 {
		return nil
	}
	raw, _ := claims["scope"].(string)
	granted := strings.Fields(raw)
	held := func(s string) bool { return slices.Contains(granted, s) }
	if cfg.ScopeModeAny && slices.ContainsFunc(cfg.RequiredScopes, held) {
		return nil
	}
	if !cfg.ScopeModeAny && !slices.ContainsFunc(cfg.RequiredScopes, func(s string) bool { return !held(s) }) {
		return nil
	}
	return fmt.Errorf("%w: want %s", ErrInsufficientScope, strings.Join(cfg.RequiredScopes, " "))
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

var _ Verifier = (*validator)(nil)
