package auth

import (
	"context"
	"errors"
)

var (
	// ErrRejected is returned when a chat credential fails verification.
	ErrRejected = errors.New("credential rejected")
	// ErrInsufficientScope is returned for a valid credential that does not
	// carry the scopes chat requires.
	ErrInsufficientScope = errors.New("credential lacks required scope")
)

// Viewer is the person behind a verified chat credential.
type Viewer interface {
	UserID() string
	// Claims decodes the credential's claim set into ref.
	Claims(ref any) error
}

// Verifier checks a chat credential. Failures wrap ErrRejected or
// ErrInsufficientScope. Implementations must be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Viewer, error)
}

// VerifierFunc adapts a function to a Verifier.
type VerifierFunc func(ctx context.Context, credential string) (Viewer, error)

func (f VerifierFunc) Verify(ctx context.Context, credential string) (Viewer, error) {
	return f(ctx, credential)
}
