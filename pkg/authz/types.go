package authz

import (
	"context"
	"reflect"
	"strings"
	"time"
)

// PermissionCode identifies one allowed action on one resource type,
// e.g. "invoice.change". Codes are opaque to the resolver; the set of
// valid codes is owned by the application layer.
type PermissionCode string

// Valid reports whether the code is usable in a permission check.
func (c PermissionCode) Valid() bool {
	return strings.TrimSpace(string(c)) != ""
}

func (c PermissionCode) String() string {
	return string(c)
}

// User is the identity a permission check is evaluated for.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	IsSuperuser bool   `json:"is_superuser"`
}

// OrgScoped is implemented by entities that belong to an organization.
// Passing such an entity to InOrgOf lets callers check permissions
// against the entity's organization without extracting the id themselves.
type OrgScoped interface {
	OrganizationID() int64
}

// OrgContext is the tenant scope a permission check runs under. The zero
// value is unresolvable and every check against it is denied; there is no
// global fallback.
type OrgContext struct {
	id int64
	ok bool
}

// InOrg returns an OrgContext for an explicit organization id.
func InOrg(orgID int64) OrgContext {
	if orgID <= 0 {
		return OrgContext{}
	}
	return OrgContext{id: orgID, ok: true}
}

// InOrgOf returns an OrgContext derived from an org-scoped entity.
// A nil or non-org-scoped value yields an unresolvable context.
func InOrgOf(entity any) OrgContext {
	scoped, ok := entity.(OrgScoped)
	if !ok {
		return OrgContext{}
	}
	// A typed nil pointer still satisfies the interface; calling through
	// it would panic on the nil receiver.
	if v := reflect.ValueOf(scoped); v.Kind() == reflect.Pointer && v.IsNil() {
		return OrgContext{}
	}
	return InOrg(scoped.OrganizationID())
}

// Resolve returns the organization id and whether the context is resolvable.
func (o OrgContext) Resolve() (int64, bool) {
	return o.id, o.ok
}

// ResolvedSet is the cached artifact of permission resolution: the
// effective permission codes for one (user, organization) pair. RoleID is
// zero when the user has no active membership in the organization.
type ResolvedSet struct {
	UserID         int64     `json:"user_id"`
	OrganizationID int64     `json:"organization_id"`
	RoleID         int64     `json:"role_id"`
	Permissions    []string  `json:"permissions"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Has reports whether the set grants the given permission code.
func (s *ResolvedSet) Has(code PermissionCode) bool {
	for _, p := range s.Permissions {
		if p == string(code) {
			return true
		}
	}
	return false
}

// MembershipStore provides the single active membership of a user in an
// organization. found is false when the user has no active membership.
type MembershipStore interface {
	ActiveMembership(ctx context.Context, userID, orgID int64) (roleID int64, found bool, err error)
}

// RoleStore provides the permission set of a role.
type RoleStore interface {
	RolePermissions(ctx context.Context, roleID int64) ([]PermissionCode, error)
}

// PermissionCache stores resolved permission sets. Implementations must be
// safe for concurrent use; Get returns (nil, nil) on a miss.
type PermissionCache interface {
	Get(ctx context.Context, userID, orgID int64) (*ResolvedSet, error)
	Set(ctx context.Context, set *ResolvedSet) error
	Delete(ctx context.Context, userID, orgID int64) error
	DeleteByRole(ctx context.Context, roleID int64) error
	DeleteAll(ctx context.Context) error
}
