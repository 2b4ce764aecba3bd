// Package authtest provides Verifiers for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/showchat-go/auth"
)

// Tokens accepts a fixed set of opaque credentials, each mapped to a user ID.
// Anything else is rejected with auth.ErrRejected.
type Tokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewTokens creates a Tokens verifier from a credential -> user ID map.
func NewTokens(tokens map[string]string) *Tokens {
	t := &Tokens{tokens: make(map[string]string, len(tokens))}
	for k, v := range tokens {
		t.tokens[k] = v
	}
	return t
}

// Add registers one more credential.
func (t *Tokens) Add(tok, userID string) {
	t.mu.Lock()
	t.tokens[tok] = userID
	t.mu.Unlock()
}

// Revoke removes a credential.
func (t *Tokens) Revoke(tok string) {
	t.mu.Lock()
	delete(t.tokens, tok)
	t.mu.Unlock()
}

func (t *Tokens) Verify(ctx context.Context, credential string) (auth.Viewer, error) {
	t.mu.RLock()
	userID, ok := t.tokens[credential]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown credential", auth.ErrRejected)
	}
	return viewer{id: userID}, nil
}

type viewer struct{ id string }

func (v viewer) UserID() string { return v.id }

func (v viewer) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": v.id})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Verifier = (*Tokens)(nil)
