// Package identity is the boundary to the external authentication provider.
//
// The core never verifies users itself: it receives an opaque session
// credential and exchanges it here for a verified identity with a resolved
// display name. Everything behind Verifier is an external collaborator.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Identity is the verified user identity attached to a session.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// ErrInvalidCredential is returned for missing, malformed, or unverified credentials.
var ErrInvalidCredential = errors.New("identity: invalid credential")

// Verifier verifies an opaque session credential issued by the identity provider.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// StaticVerifier is a dev/test Verifier backed by a fixed credential table.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticVerifier constructs an empty StaticVerifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]Identity)}
}

// Register maps a credential to an identity.
func (v *StaticVerifier) Register(credential string, id Identity) {
	credential = strings.TrimSpace(credential)
	if credential == "" || id.UserID == "" {
		return
	}
	v.mu.Lock()
	v.tokens[credential] = id
	v.mu.Unlock()
}

// Verify resolves a registered credential.
func (v *StaticVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	v.mu.RLock()
	id, ok := v.tokens[strings.TrimSpace(credential)]
	v.mu.RUnlock()

	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}
