package admin

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/cache"
	"github.com/arbiterhq/arbiter/pkg/observability"
	"github.com/arbiterhq/arbiter/pkg/store"
)

func setupService(t *testing.T) (*Service, *store.Store, *authz.Resolver) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE organizations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL,
			is_superuser INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			permissions TEXT NOT NULL DEFAULT '[]',
			is_built_in INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE memberships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			organization_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE UNIQUE INDEX idx_memberships_single_active
			ON memberships(user_id, organization_id)
			WHERE active;
	`)
	require.NoError(t, err)

	s := store.New(db)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	memCache := cache.NewMemoryCache(128, time.Minute)
	t.Cleanup(func() { memCache.Close() })

	resolver := authz.NewResolver(s, s, memCache, authz.Config{CacheTTL: time.Minute, Logger: logger})
	service := NewService(s, resolver, logger, nil)

	return service, s, resolver
}

func seedOrgUserRole(t *testing.T, s *store.Store) (*store.Organization, *store.User, *store.Role) {
	t.Helper()
	ctx := context.Background()

	org := &store.Organization{Name: "acme", DisplayName: "Acme Corp"}
	require.NoError(t, s.CreateOrganization(ctx, org))

	user := &store.User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, user))

	role := &store.Role{Name: "billing", DisplayName: "Billing", Permissions: []string{"invoice.view", "invoice.change"}}
	require.NoError(t, s.CreateRole(ctx, role))

	return org, user, role
}

func TestService_MembershipLifecycleInvalidatesCache(t *testing.T) {
	service, s, _ := setupService(t)
	ctx := context.Background()

	org, user, role := seedOrgUserRole(t, s)
	subject := authz.User{ID: user.ID, Username: user.Username}

	_, err := service.AddMember(ctx, org.ID, user.ID, role.ID)
	require.NoError(t, err)

	allowed, err := service.Check(ctx, subject, "invoice.change", authz.InOrg(org.ID))
	require.NoError(t, err)
	assert.True(t, allowed, "member should hold role permissions")

	// Removal takes effect on the very next check
	require.NoError(t, service.RemoveMember(ctx, org.ID, user.ID))

	allowed, err = service.Check(ctx, subject, "invoice.change", authz.InOrg(org.ID))
	require.NoError(t, err)
	assert.False(t, allowed, "removed member must lose access immediately")
}

func TestService_ChangeMemberRoleInvalidatesCache(t *testing.T) {
	service, s, _ := setupService(t)
	ctx := context.Background()

	org, user, role := seedOrgUserRole(t, s)
	viewer := &store.Role{Name: "viewer", DisplayName: "Viewer", Permissions: []string{"invoice.view"}}
	require.NoError(t, s.CreateRole(ctx, viewer))

	subject := authz.User{ID: user.ID, Username: user.Username}

	_, err := service.AddMember(ctx, org.ID, user.ID, role.ID)
	require.NoError(t, err)

	allowed, err := service.Check(ctx, subject, "invoice.change", authz.InOrg(org.ID))
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, service.ChangeMemberRole(ctx, org.ID, user.ID, viewer.ID))

	allowed, err = service.Check(ctx, subject, "invoice.change", authz.InOrg(org.ID))
	require.NoError(t, err)
	assert.False(t, allowed, "role downgrade must apply on next check")

	allowed, err = service.Check(ctx, subject, "invoice.view", authz.InOrg(org.ID))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestService_UpdateRolePermissionsInvalidatesRoleEntries(t *testing.T) {
	service, s, _ := setupService(t)
	ctx := context.Background()

	org, user, role := seedOrgUserRole(t, s)

	bob := &store.User{Username: "bob", Email: "bob@example.com"}
	require.NoError(t, s.CreateUser(ctx, bob))

	_, err := service.AddMember(ctx, org.ID, user.ID, role.ID)
	require.NoError(t, err)
	_, err = service.AddMember(ctx, org.ID, bob.ID, role.ID)
	require.NoError(t, err)

	// Warm both cache entries
	for _, u := range []*store.User{user, bob} {
		allowed, err := service.Check(ctx, authz.User{ID: u.ID}, "invoice.change", authz.InOrg(org.ID))
		require.NoError(t, err)
		require.True(t, allowed)
	}

	require.NoError(t, service.UpdateRolePermissions(ctx, role.ID, []string{"invoice.view"}))

	for _, u := range []*store.User{user, bob} {
		allowed, err := service.Check(ctx, authz.User{ID: u.ID}, "invoice.change", authz.InOrg(org.ID))
		require.NoError(t, err)
		assert.False(t, allowed, "every holder of the role must see the narrowed set")
	}
}

func TestService_AddMember_UnknownRole(t *testing.T) {
	service, s, _ := setupService(t)
	ctx := context.Background()

	org, user, _ := seedOrgUserRole(t, s)

	_, err := service.AddMember(ctx, org.ID, user.ID, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_AddMember_SecondActiveRejected(t *testing.T) {
	service, s, _ := setupService(t)
	ctx := context.Background()

	org, user, role := seedOrgUserRole(t, s)

	_, err := service.AddMember(ctx, org.ID, user.ID, role.ID)
	require.NoError(t, err)

	_, err = service.AddMember(ctx, org.ID, user.ID, role.ID)
	assert.Error(t, err, "second active membership must be rejected")
}

func TestService_DeleteRole_HeldByMembers(t *testing.T) {
	service, s, _ := setupService(t)
	ctx := context.Background()

	org, user, role := seedOrgUserRole(t, s)

	_, err := service.AddMember(ctx, org.ID, user.ID, role.ID)
	require.NoError(t, err)

	err = service.DeleteRole(ctx, role.ID)
	assert.Error(t, err, "role held by active memberships must not be deletable")

	require.NoError(t, service.RemoveMember(ctx, org.ID, user.ID))
	assert.NoError(t, service.DeleteRole(ctx, role.ID))
}

func TestService_EffectivePermissions(t *testing.T) {
	service, s, _ := setupService(t)
	ctx := context.Background()

	org, user, role := seedOrgUserRole(t, s)
	subject := authz.User{ID: user.ID, Username: user.Username}

	perms, err := service.EffectivePermissions(ctx, subject, authz.InOrg(org.ID))
	require.NoError(t, err)
	assert.Empty(t, perms, "non-member has an empty effective set")

	_, err = service.AddMember(ctx, org.ID, user.ID, role.ID)
	require.NoError(t, err)

	perms, err = service.EffectivePermissions(ctx, subject, authz.InOrg(org.ID))
	require.NoError(t, err)
	assert.Len(t, perms, 2)
}
