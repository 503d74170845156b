package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/types"
)

func TestTokenRegistryLifecycle(t *testing.T) {
	r := NewTokenRegistry()
	ctx := context.Background()

	tok, err := r.IssueBrowserToken("user-42", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	id, err := r.Authenticate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, types.PeerBrowser, id.Kind)
	assert.Equal(t, "user-42", id.UserID)

	r.Revoke(tok)
	_, err = r.Authenticate(ctx, tok)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestAuthenticateRejectsUnknownAndEmpty(t *testing.T) {
	r := NewTokenRegistry()
	ctx := context.Background()

	_, err := r.Authenticate(ctx, "")
	assert.True(t, errdefs.IsUnauthorized(err))

	_, err = r.Authenticate(ctx, "deadbeef")
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestTokenExpiry(t *testing.T) {
	r := NewTokenRegistry()
	ctx := context.Background()

	tok, err := r.IssueContainerToken("ws-1", "cont-1", -time.Second)
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, tok)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnauthorized(err))

	r.CleanupExpired()
	r.mu.RLock()
	assert.Empty(t, r.tokens)
	r.mu.RUnlock()
}

func TestServiceTokensDoNotExpire(t *testing.T) {
	r := NewTokenRegistry()
	r.RegisterServiceToken("tok-admin", "ops")

	id, err := r.Authenticate(context.Background(), "tok-admin")
	require.NoError(t, err)
	assert.Equal(t, types.PeerService, id.Kind)
	assert.Equal(t, "ops", id.Name)

	r.CleanupExpired()
	_, err = r.Authenticate(context.Background(), "tok-admin")
	assert.NoError(t, err)
}

func TestScopeAuthorizerContainerConfinement(t *testing.T) {
	a := NewScopeAuthorizer(AllowAll)
	ctx := context.Background()

	agent := &Identity{Kind: types.PeerContainerAgent, BucketID: "ws-own"}
	assert.NoError(t, a.Authorize(ctx, agent, "ws-own", types.RoleWriter))

	err := a.Authorize(ctx, agent, "ws-other", types.RoleReader)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestScopeAuthorizerServiceReachesEverything(t *testing.T) {
	a := NewScopeAuthorizer(nil)
	svc := &Identity{Kind: types.PeerService, Name: "ops"}
	assert.NoError(t, a.Authorize(context.Background(), svc, "any-bucket", types.RoleWriter))
}

func TestScopeAuthorizerBrowserDelegatesToPolicy(t *testing.T) {
	ctx := context.Background()
	user := &Identity{Kind: types.PeerBrowser, UserID: "user-1"}

	allowOwn := PolicyFunc(func(_ context.Context, userID, bucketID string, _ types.Role) error {
		if bucketID == "ws-owned-by-"+userID {
			return nil
		}
		return fmt.Errorf("not the owner")
	})

	a := NewScopeAuthorizer(allowOwn)
	assert.NoError(t, a.Authorize(ctx, user, "ws-owned-by-user-1", types.RoleWriter))

	err := a.Authorize(ctx, user, "ws-owned-by-user-2", types.RoleWriter)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnauthorized(err))

	// Nil policy denies browsers outright.
	denied := NewScopeAuthorizer(nil)
	err = denied.Authorize(ctx, user, "ws-owned-by-user-1", types.RoleReader)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestScopeAuthorizerNilIdentity(t *testing.T) {
	a := NewScopeAuthorizer(AllowAll)
	err := a.Authorize(context.Background(), nil, "ws-1", types.RoleReader)
	assert.True(t, errdefs.IsUnauthorized(err))
}
