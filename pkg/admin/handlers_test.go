package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/middleware"
	"github.com/arbiterhq/arbiter/pkg/store"
)

type testEnv struct {
	router  *mux.Router
	service *Service
	store   *store.Store
}

func setupHandlers(t *testing.T) *testEnv {
	t.Helper()

	service, s, resolver := setupService(t)

	router := mux.NewRouter()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.AuthMiddleware(s))
	router.Use(middleware.OrgContextMiddleware())

	NewHandlers(service, resolver).RegisterRoutes(router)

	return &testEnv{router: router, service: service, store: s}
}

func (e *testEnv) do(t *testing.T, method, path, username string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	r := httptest.NewRequest(method, path, &buf)
	if username != "" {
		r.Header.Set(middleware.UserHeader, username)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func seedAdminEnv(t *testing.T, e *testEnv) (org *store.Organization, admin, member, outsider *store.User) {
	t.Helper()
	ctx := context.Background()
	s := e.store

	org = &store.Organization{Name: "acme", DisplayName: "Acme Corp"}
	require.NoError(t, s.CreateOrganization(ctx, org))

	admin = &store.User{Username: "admin", Email: "admin@example.com"}
	member = &store.User{Username: "member", Email: "member@example.com"}
	outsider = &store.User{Username: "outsider", Email: "outsider@example.com"}
	for _, u := range []*store.User{admin, member, outsider} {
		require.NoError(t, s.CreateUser(ctx, u))
	}

	adminRole := &store.Role{Name: "org_admin", DisplayName: "Admin", Permissions: []string{
		"org.view", "member.view", "member.invite", "member.change", "member.remove", "role.view",
	}}
	memberRole := &store.Role{Name: "org_member", DisplayName: "Member", Permissions: []string{
		"org.view", "member.view",
	}}
	require.NoError(t, s.CreateRole(ctx, adminRole))
	require.NoError(t, s.CreateRole(ctx, memberRole))

	_, err := e.service.AddMember(ctx, org.ID, admin.ID, adminRole.ID)
	require.NoError(t, err)
	_, err = e.service.AddMember(ctx, org.ID, member.ID, memberRole.ID)
	require.NoError(t, err)

	return org, admin, member, outsider
}

func TestHandlers_Unauthenticated(t *testing.T) {
	e := setupHandlers(t)

	w := e.do(t, "GET", "/api/v1/orgs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlers_MemberListPermissions(t *testing.T) {
	e := setupHandlers(t)
	org, admin, member, outsider := seedAdminEnv(t, e)

	path := fmt.Sprintf("/api/v1/orgs/%d/members", org.ID)

	// Admin and member both hold member.view
	for _, u := range []*store.User{admin, member} {
		w := e.do(t, "GET", path, u.Username, nil)
		assert.Equal(t, http.StatusOK, w.Code, "user %s", u.Username)
	}

	// Non-members are denied, and the response is indistinguishable from
	// a missing permission
	w := e.do(t, "GET", path, outsider.Username, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlers_AddMemberRequiresInvitePermission(t *testing.T) {
	e := setupHandlers(t)
	org, admin, member, outsider := seedAdminEnv(t, e)

	memberRole, err := e.store.GetRoleByName(context.Background(), "org_member")
	require.NoError(t, err)

	path := fmt.Sprintf("/api/v1/orgs/%d/members", org.ID)
	body := map[string]int64{"user_id": outsider.ID, "role_id": memberRole.ID}

	w := e.do(t, "POST", path, member.Username, body)
	assert.Equal(t, http.StatusForbidden, w.Code, "plain member cannot invite")

	w = e.do(t, "POST", path, admin.Username, body)
	assert.Equal(t, http.StatusCreated, w.Code)

	// The invited user can now see the member list
	w = e.do(t, "GET", path, outsider.Username, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_RemoveMemberRevokesAccess(t *testing.T) {
	e := setupHandlers(t)
	org, admin, member, _ := seedAdminEnv(t, e)

	listPath := fmt.Sprintf("/api/v1/orgs/%d/members", org.ID)

	w := e.do(t, "GET", listPath, member.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "DELETE", fmt.Sprintf("/api/v1/orgs/%d/members/%d", org.ID, member.ID), admin.Username, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Access is gone on the very next request
	w = e.do(t, "GET", listPath, member.Username, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlers_SuperuserBypassesRouteGuards(t *testing.T) {
	e := setupHandlers(t)
	org, _, _, _ := seedAdminEnv(t, e)

	root := &store.User{Username: "root", Email: "root@example.com", IsSuperuser: true}
	require.NoError(t, e.store.CreateUser(context.Background(), root))

	w := e.do(t, "GET", fmt.Sprintf("/api/v1/orgs/%d/members", org.ID), "root", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Global routes carry no organization context; only superusers pass
	w = e.do(t, "POST", "/api/v1/orgs", "root", map[string]string{"name": "globex", "display_name": "Globex"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = e.do(t, "POST", "/api/v1/orgs", "admin", map[string]string{"name": "initech", "display_name": "Initech"})
	assert.Equal(t, http.StatusForbidden, w.Code, "org admin is not a superuser")
}

func TestHandlers_RoleUpdatePropagates(t *testing.T) {
	e := setupHandlers(t)
	org, admin, _, _ := seedAdminEnv(t, e)

	root := &store.User{Username: "root", Email: "root@example.com", IsSuperuser: true}
	require.NoError(t, e.store.CreateUser(context.Background(), root))

	adminRole, err := e.store.GetRoleByName(context.Background(), "org_admin")
	require.NoError(t, err)

	// Warm the admin's cache entry
	w := e.do(t, "GET", fmt.Sprintf("/api/v1/orgs/%d/members", org.ID), admin.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Narrow the role to org.view only
	w = e.do(t, "PUT", fmt.Sprintf("/api/v1/roles/%d/permissions", adminRole.ID), "root",
		map[string][]string{"permissions": {"org.view"}})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, "GET", fmt.Sprintf("/api/v1/orgs/%d/members", org.ID), admin.Username, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "narrowed role applies on next request")
}

func TestHandlers_AuthzCheck(t *testing.T) {
	e := setupHandlers(t)
	org, admin, member, _ := seedAdminEnv(t, e)

	check := func(username string, body map[string]interface{}) (int, bool) {
		w := e.do(t, "POST", "/api/v1/authz/check", username, body)
		var resp map[string]bool
		if w.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		}
		return w.Code, resp["allowed"]
	}

	// Self check
	code, allowed := check(admin.Username, map[string]interface{}{
		"permission":      "member.invite",
		"organization_id": org.ID,
	})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, allowed)

	// Checking another user reflects that user's memberships
	code, allowed = check(admin.Username, map[string]interface{}{
		"user_id":         member.ID,
		"permission":      "member.invite",
		"organization_id": org.ID,
	})
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, allowed)

	// Empty permission code is a caller error
	code, _ = check(admin.Username, map[string]interface{}{
		"permission":      "",
		"organization_id": org.ID,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	// Unknown organization denies rather than erroring
	code, allowed = check(admin.Username, map[string]interface{}{
		"permission":      "member.invite",
		"organization_id": 9999,
	})
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, allowed)
}

func TestHandlers_EffectivePermissions(t *testing.T) {
	e := setupHandlers(t)
	org, _, member, outsider := seedAdminEnv(t, e)

	w := e.do(t, "GET", fmt.Sprintf("/api/v1/orgs/%d/permissions", org.ID), member.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"org.view", "member.view"}, resp.Permissions)

	// Non-members get an empty list, not an error
	w = e.do(t, "GET", fmt.Sprintf("/api/v1/orgs/%d/permissions", org.ID), outsider.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Permissions)
}

func TestHandlers_InvalidOrgID(t *testing.T) {
	e := setupHandlers(t)
	seedAdminEnv(t, e)

	w := e.do(t, "GET", "/api/v1/orgs/abc/members", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
