package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/httputil"
	"github.com/arbiterhq/arbiter/pkg/middleware"
	"github.com/arbiterhq/arbiter/pkg/store"
)

// Handlers exposes the admin service over REST.
type Handlers struct {
	service  *Service
	resolver *authz.Resolver
}

// NewHandlers creates REST handlers for the admin service.
func NewHandlers(service *Service, resolver *authz.Resolver) *Handlers {
	return &Handlers{
		service:  service,
		resolver: resolver,
	}
}

// RegisterRoutes mounts the admin API under /api/v1. Organization-scoped
// routes carry an org_id variable so the organization middleware can
// establish the tenant context before permissions are enforced. Global
// routes have no organization context, which leaves them to superusers.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.Handle("/orgs",
		middleware.RequirePermission(h.resolver, "org.create")(http.HandlerFunc(h.createOrganization))).Methods("POST")
	api.HandleFunc("/orgs", h.listOrganizations).Methods("GET")
	api.Handle("/orgs/{org_id}",
		middleware.RequirePermission(h.resolver, "org.view")(http.HandlerFunc(h.getOrganization))).Methods("GET")

	api.Handle("/orgs/{org_id}/members",
		middleware.RequirePermission(h.resolver, "member.view")(http.HandlerFunc(h.listMembers))).Methods("GET")
	api.Handle("/orgs/{org_id}/members",
		middleware.RequirePermission(h.resolver, "member.invite")(http.HandlerFunc(h.addMember))).Methods("POST")
	api.Handle("/orgs/{org_id}/members/{user_id}/role",
		middleware.RequirePermission(h.resolver, "member.change")(http.HandlerFunc(h.changeMemberRole))).Methods("PUT")
	api.Handle("/orgs/{org_id}/members/{user_id}",
		middleware.RequirePermission(h.resolver, "member.remove")(http.HandlerFunc(h.removeMember))).Methods("DELETE")

	api.HandleFunc("/orgs/{org_id}/permissions", h.effectivePermissions).Methods("GET")

	api.HandleFunc("/roles", h.listRoles).Methods("GET")
	api.Handle("/roles",
		middleware.RequirePermission(h.resolver, "role.change")(http.HandlerFunc(h.createRole))).Methods("POST")
	api.HandleFunc("/roles/{role_id}", h.getRole).Methods("GET")
	api.Handle("/roles/{role_id}/permissions",
		middleware.RequirePermission(h.resolver, "role.change")(http.HandlerFunc(h.updateRolePermissions))).Methods("PUT")
	api.Handle("/roles/{role_id}",
		middleware.RequirePermission(h.resolver, "role.change")(http.HandlerFunc(h.deleteRole))).Methods("DELETE")

	api.HandleFunc("/authz/check", h.check).Methods("POST")
}

func (h *Handlers) createOrganization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	org := &store.Organization{Name: req.Name, DisplayName: req.DisplayName}
	if err := h.service.CreateOrganization(r.Context(), org); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	httputil.WriteCreated(w, org)
}

func (h *Handlers) listOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.service.ListOrganizations(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, orgs)
}

func (h *Handlers) getOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	org, err := h.service.GetOrganization(r.Context(), orgID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (h *Handlers) listMembers(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	members, err := h.service.ListMembers(r.Context(), orgID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

func (h *Handlers) addMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
		RoleID int64 `json:"role_id"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.UserID <= 0 || req.RoleID <= 0 {
		httputil.WriteBadRequest(w, "user_id and role_id are required")
		return
	}

	m, err := h.service.AddMember(r.Context(), orgID, req.UserID, req.RoleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		// Includes the single-active-membership violation
		httputil.WriteConflict(w, err.Error())
		return
	}

	httputil.WriteCreated(w, m)
}

func (h *Handlers) changeMemberRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}

	var req struct {
		RoleID int64 `json:"role_id"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.RoleID <= 0 {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}

	if err := h.service.ChangeMemberRole(r.Context(), orgID, userID, req.RoleID); err != nil {
		writeStoreError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

func (h *Handlers) removeMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.service.RemoveMember(r.Context(), orgID, userID); err != nil {
		writeStoreError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

func (h *Handlers) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	perms, err := h.service.EffectivePermissions(r.Context(), *user, middleware.GetOrgContext(r))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if perms == nil {
		perms = []authz.PermissionCode{}
	}

	httputil.WriteSuccess(w, map[string]interface{}{"permissions": perms})
}

func (h *Handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string   `json:"name"`
		DisplayName string   `json:"display_name"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	role := &store.Role{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Permissions: req.Permissions,
	}
	if err := h.service.CreateRole(r.Context(), role); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	httputil.WriteCreated(w, role)
}

func (h *Handlers) getRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "role_id")
	if !ok {
		return
	}

	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

func (h *Handlers) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "role_id")
	if !ok {
		return
	}

	var req struct {
		Permissions []string `json:"permissions"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.UpdateRolePermissions(r.Context(), roleID, req.Permissions); err != nil {
		writeStoreError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

func (h *Handlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "role_id")
	if !ok {
		return
	}

	if err := h.service.DeleteRole(r.Context(), roleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		httputil.WriteConflict(w, err.Error())
		return
	}

	httputil.WriteNoContent(w)
}

// check answers a permission query. The caller may name another user; the
// answer reflects that user's memberships, not the caller's.
func (h *Handlers) check(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetUser(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req struct {
		UserID         int64  `json:"user_id,omitempty"`
		Permission     string `json:"permission"`
		OrganizationID int64  `json:"organization_id"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	subject := *caller
	if req.UserID != 0 && req.UserID != caller.ID {
		account, err := h.service.GetUser(r.Context(), req.UserID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		subject = authz.User{ID: account.ID, Username: account.Username, IsSuperuser: account.IsSuperuser}
	}

	allowed, err := h.service.Check(r.Context(), subject, authz.PermissionCode(req.Permission), authz.InOrg(req.OrganizationID))
	if err != nil {
		if authz.IsInvalidQuery(err) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		// Resolution failures are not answers; the caller must not read
		// this as a denial.
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "permission resolution unavailable")
		return
	}

	httputil.WriteSuccess(w, map[string]bool{"allowed": allowed})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteBadRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	httputil.WriteInternalError(w, err)
}
