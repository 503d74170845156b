package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/types"
)

// issuedToken couples a bearer token with the identity it resolves to.
type issuedToken struct {
	identity  Identity
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
}

// TokenRegistry is an in-memory Authenticator. Browser and container tokens
// are minted with an expiry; service tokens come from configuration and do
// not expire.
type TokenRegistry struct {
	tokens map[string]*issuedToken
	mu     sync.RWMutex
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		tokens: make(map[string]*issuedToken),
	}
}

func randomToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// IssueBrowserToken mints a token resolving to a browser identity.
func (r *TokenRegistry) IssueBrowserToken(userID string, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	r.put(token, Identity{Kind: types.PeerBrowser, UserID: userID}, ttl)
	return token, nil
}

// IssueContainerToken mints a token bound to a single bucket for one
// execution container.
func (r *TokenRegistry) IssueContainerToken(bucketID, containerID string, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	r.put(token, Identity{Kind: types.PeerContainerAgent, BucketID: bucketID, ContainerID: containerID}, ttl)
	return token, nil
}

// RegisterServiceToken installs a configured administrative token.
func (r *TokenRegistry) RegisterServiceToken(token, name string) {
	r.put(token, Identity{Kind: types.PeerService, Name: name}, 0)
}

func (r *TokenRegistry) put(token string, id Identity, ttl time.Duration) {
	t := &issuedToken{identity: id, createdAt: time.Now()}
	if ttl > 0 {
		t.expiresAt = t.createdAt.Add(ttl)
	}
	r.mu.Lock()
	r.tokens[token] = t
	r.mu.Unlock()
}

// Authenticate implements Authenticator.
func (r *TokenRegistry) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", errdefs.ErrUnauthorized)
	}

	r.mu.RLock()
	t, exists := r.tokens[token]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("invalid token: %w", errdefs.ErrUnauthorized)
	}
	if !t.expiresAt.IsZero() && time.Now().After(t.expiresAt) {
		return nil, fmt.Errorf("token expired: %w", errdefs.ErrUnauthorized)
	}

	id := t.identity
	return &id, nil
}

// Revoke removes a token.
func (r *TokenRegistry) Revoke(token string) {
	r.mu.Lock()
	delete(r.tokens, token)
	r.mu.Unlock()
}

// CleanupExpired removes expired tokens.
func (r *TokenRegistry) CleanupExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for token, t := range r.tokens {
		if !t.expiresAt.IsZero() && now.After(t.expiresAt) {
			delete(r.tokens, token)
		}
	}
}
