package auth

import (
	"context"
	"fmt"

	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/types"
)

// Identity is an authenticated peer. Exactly one of the identity fields is
// meaningful per kind: UserID for browsers, BucketID (plus the informational
// ContainerID) for container agents, Name for services.
type Identity struct {
	Kind        types.PeerKind
	UserID      string
	ContainerID string
	BucketID    string
	Name        string
}

// Authenticator resolves a bearer token presented at handshake into an
// identity. Unknown or expired tokens fail with errdefs.ErrUnauthorized.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Authorizer decides whether an identity may touch a bucket with a role.
// It is consulted on every document-addressing message, not only at
// subscribe time, so a leaked connection cannot drift across buckets.
type Authorizer interface {
	Authorize(ctx context.Context, id *Identity, bucketID string, role types.Role) error
}

// BrowserPolicy is the platform's ownership/grant check for browser peers.
// The engine does not own that data; it is injected.
type BrowserPolicy interface {
	AllowBucket(ctx context.Context, userID, bucketID string, role types.Role) error
}

// PolicyFunc adapts a function to BrowserPolicy.
type PolicyFunc func(ctx context.Context, userID, bucketID string, role types.Role) error

func (f PolicyFunc) AllowBucket(ctx context.Context, userID, bucketID string, role types.Role) error {
	return f(ctx, userID, bucketID, role)
}

// AllowAll grants every browser request. Used when an upstream gateway has
// already enforced ownership before minting the browser token.
var AllowAll = PolicyFunc(func(context.Context, string, string, types.Role) error {
	return nil
})

// ScopeAuthorizer enforces the engine's scope rules: container tokens are
// confined to their bound bucket, service tokens reach everything, browser
// grants are delegated to the injected policy.
type ScopeAuthorizer struct {
	policy BrowserPolicy
}

// NewScopeAuthorizer builds the default authorizer. A nil policy denies all
// browser access.
func NewScopeAuthorizer(policy BrowserPolicy) *ScopeAuthorizer {
	return &ScopeAuthorizer{policy: policy}
}

func (a *ScopeAuthorizer) Authorize(ctx context.Context, id *Identity, bucketID string, role types.Role) error {
	if id == nil {
		return fmt.Errorf("no identity: %w", errdefs.ErrUnauthorized)
	}
	switch id.Kind {
	case types.PeerContainerAgent:
		if id.BucketID != bucketID {
			return fmt.Errorf("container token bound to bucket %s cannot touch bucket %s: %w",
				id.BucketID, bucketID, errdefs.ErrUnauthorized)
		}
		return nil
	case types.PeerService:
		return nil
	case types.PeerBrowser:
		if a.policy == nil {
			return fmt.Errorf("no browser policy configured: %w", errdefs.ErrUnauthorized)
		}
		if err := a.policy.AllowBucket(ctx, id.UserID, bucketID, role); err != nil {
			return fmt.Errorf("user %s denied on bucket %s: %w", id.UserID, bucketID, errdefs.ErrUnauthorized)
		}
		return nil
	default:
		return fmt.Errorf("unknown peer kind %q: %w", id.Kind, errdefs.ErrUnauthorized)
	}
}
