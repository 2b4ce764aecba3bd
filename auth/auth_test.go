package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/showchat-go/auth"
	"github.com/ggoodman/showchat-go/auth/authtest"
)

func TestSymmetricRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	a, err := auth.NewSymmetric("showchatd", "showchat", secret)
	if err != nil {
		t.Fatalf("NewSymmetric: %v", err)
	}
	tok, err := auth.IssueSymmetric(secret, "showchatd", "showchat", "viewer-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueSymmetric: %v", err)
	}
	ui, err := a.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ui.UserID() != "viewer-1" {
		t.Fatalf("UserID = %q", ui.UserID())
	}

	wrongAud, _ := auth.IssueSymmetric(secret, "showchatd", "elsewhere", "viewer-1", time.Minute)
	if _, err := a.Verify(context.Background(), wrongAud); !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestConstructorsRequireIssuerAndAudience(t *testing.T) {
	if _, err := auth.NewSymmetric("", "aud", []byte("s")); err == nil {
		t.Fatalf("expected error for empty issuer")
	}
	if _, err := auth.NewSymmetric("iss", "", []byte("s")); err == nil {
		t.Fatalf("expected error for empty audience")
	}
}

func TestTokens(t *testing.T) {
	a := authtest.NewTokens(map[string]string{"good": "u1"})
	ui, err := a.Verify(context.Background(), "good")
	if err != nil || ui.UserID() != "u1" {
		t.Fatalf("Verify = (%v, %v)", ui, err)
	}
	a.Revoke("good")
	if _, err := a.Verify(context.Background(), "good"); !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("expected ErrRejected after revoke, got %v", err)
	}
}

type staticViewer string

func (v staticViewer) UserID() string     { return string(v) }
func (staticViewer) Claims(ref any) error { return nil }

func TestVerifierFunc(t *testing.T) {
	var v auth.Verifier = auth.VerifierFunc(func(ctx context.Context, credential string) (auth.Viewer, error) {
		if credential != "open-sesame" {
			return nil, auth.ErrRejected
		}
		return staticViewer("host-1"), nil
	})
	if got, err := v.Verify(context.Background(), "open-sesame"); err != nil || got.UserID() != "host-1" {
		t.Fatalf("Verify = (%v, %v)", got, err)
	}
	if _, err := v.Verify(context.Background(), "nope"); !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}
