package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// NewStatic constructs an authenticator that validates tokens against a
// statically configured issuer, audiences and JWKS URI (no discovery).
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Verifier, error) {
	if err := checkStatic(cfg); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	applyDefaults(cfg)

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &validator{cfg: cfg, issuer: cfg.Issuer, keyfunc: restrictAlgs(cfg.AllowedAlgs, kf.Keyfunc)}, nil
}

// NewSymmetric constructs an authenticator for HMAC-signed tokens sharing
// secret with the issuer. AllowedAlgs defaults to HS256.
func NewSymmetric(cfg *Config, secret []byte) (Verifier, error) {
	if err := checkStatic(cfg); err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, errors.New("secret required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256"}
	}
	key := append([]byte(nil), secret...)
	return &validator{cfg: cfg, issuer: cfg.Issuer, keyfunc: restrictAlgs(cfg.AllowedAlgs, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return key, nil
	})}, nil
}

// SignSymmetric issues an HS256 token for sub. It is the counterpart of
// NewSymmetric for reference services and tests.
func SignSymmetric(secret []byte, issuer, audience, sub string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": sub,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func checkStatic(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	return nil
}
