package authz

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arbiterhq/arbiter/pkg/observability"
)

// Config holds resolver configuration
type Config struct {
	// CacheTTL is how long resolved permission sets stay usable. It acts
	// as a safety net on top of explicit invalidation: entries older than
	// the TTL are recomputed even when the backing cache has not expired
	// them yet. Zero disables the check (entries live until invalidated
	// or evicted).
	CacheTTL time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// DefaultConfig returns default resolver configuration
func DefaultConfig() Config {
	return Config{
		CacheTTL: 5 * time.Minute,
	}
}

// Resolver computes and caches effective permission sets and answers
// point queries against them. It is stateless aside from the injected
// cache and safe for concurrent use.
type Resolver struct {
	memberships MembershipStore
	roles       RoleStore
	cache       PermissionCache
	config      Config
	logger      *observability.Logger
	metrics     *observability.Metrics
	group       singleflight.Group
}

// NewResolver creates a resolver backed by the given stores and cache.
// A nil cache disables caching; every check recomputes from the stores.
func NewResolver(memberships MembershipStore, roles RoleStore, cache PermissionCache, config Config) *Resolver {
	logger := config.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Resolver{
		memberships: memberships,
		roles:       roles,
		cache:       cache,
		config:      config,
		logger:      logger,
		metrics:     config.Metrics,
	}
}

// HasPermission reports whether user holds the permission code within the
// organization context. The superuser bypass is evaluated first, before
// any cache or store access, so every call site gets it consistently.
// An unresolvable organization context denies; there is no global scope.
//
// Store failures return a *ResolutionError and a false result that MUST
// NOT be interpreted as a completed denial; callers fail closed.
func (r *Resolver) HasPermission(ctx context.Context, user User, code PermissionCode, org OrgContext) (bool, error) {
	if user.IsSuperuser {
		r.count("superuser")
		return true, nil
	}

	if !code.Valid() {
		return false, &InvalidQueryError{Reason: "empty permission code"}
	}

	orgID, ok := org.Resolve()
	if !ok {
		// Permissions are always organization-scoped; no context means no grant.
		r.count("denied")
		return false, nil
	}

	set, err := r.resolve(ctx, user.ID, orgID)
	if err != nil {
		r.count("error")
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"user_id":         user.ID,
			"organization_id": orgID,
			"permission":      code.String(),
		}).Warn("permission resolution failed")
		return false, err
	}

	if set.Has(code) {
		r.count("granted")
		return true, nil
	}
	r.count("denied")
	return false, nil
}

// EffectivePermissions returns the resolved permission set for the user in
// the organization. It reflects membership data only; the superuser bypass
// applies to HasPermission, not to the set itself.
func (r *Resolver) EffectivePermissions(ctx context.Context, user User, org OrgContext) ([]PermissionCode, error) {
	orgID, ok := org.Resolve()
	if !ok {
		return nil, nil
	}

	set, err := r.resolve(ctx, user.ID, orgID)
	if err != nil {
		return nil, err
	}

	codes := make([]PermissionCode, 0, len(set.Permissions))
	for _, p := range set.Permissions {
		codes = append(codes, PermissionCode(p))
	}
	return codes, nil
}

// InvalidatePermissions evicts the cached permission set for one
// (user, organization) pair. Membership administration calls this
// synchronously with every membership write.
func (r *Resolver) InvalidatePermissions(ctx context.Context, userID, orgID int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, userID, orgID)
}

// InvalidateRole evicts every cached permission set computed from the
// given role. Role administration calls this whenever a role's permission
// set changes.
func (r *Resolver) InvalidateRole(ctx context.Context, roleID int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.DeleteByRole(ctx, roleID)
}

// InvalidateAll flushes the whole permission cache.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.DeleteAll(ctx)
}

// resolve returns the permission set for (userID, orgID), reading through
// the cache. Concurrent recomputations of the same key are collapsed.
func (r *Resolver) resolve(ctx context.Context, userID, orgID int64) (*ResolvedSet, error) {
	if r.cache != nil {
		set, err := r.cache.Get(ctx, userID, orgID)
		if err != nil {
			// A broken cache degrades to recompute; the stores stay authoritative.
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"user_id":         userID,
				"organization_id": orgID,
			}).Warn("permission cache read failed")
		} else if set != nil && !r.stale(set) {
			if r.metrics != nil {
				r.metrics.PermissionCacheHits.Inc()
			}
			return set, nil
		}
		if r.metrics != nil {
			r.metrics.PermissionCacheMisses.Inc()
		}
	}

	key := fmt.Sprintf("%d:%d", userID, orgID)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.compute(ctx, userID, orgID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResolvedSet), nil
}

// compute builds the permission set from the stores and populates the
// cache. A user with no active membership gets an empty set cached, so
// repeated checks for non-members stay cheap.
func (r *Resolver) compute(ctx context.Context, userID, orgID int64) (*ResolvedSet, error) {
	roleID, found, err := r.memberships.ActiveMembership(ctx, userID, orgID)
	if err != nil {
		if r.metrics != nil {
			r.metrics.StoreErrorsTotal.WithLabelValues("membership").Inc()
		}
		return nil, &ResolutionError{Op: "membership lookup", UserID: userID, OrganizationID: orgID, Err: err}
	}

	set := &ResolvedSet{
		UserID:         userID,
		OrganizationID: orgID,
		ComputedAt:     time.Now(),
	}

	if found {
		codes, err := r.roles.RolePermissions(ctx, roleID)
		if err != nil {
			if r.metrics != nil {
				r.metrics.StoreErrorsTotal.WithLabelValues("role").Inc()
			}
			return nil, &ResolutionError{Op: "role permissions", UserID: userID, OrganizationID: orgID, Err: err}
		}
		set.RoleID = roleID
		set.Permissions = make([]string, 0, len(codes))
		for _, c := range codes {
			set.Permissions = append(set.Permissions, string(c))
		}
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, set); err != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"user_id":         userID,
				"organization_id": orgID,
			}).Warn("permission cache write failed")
		}
	}

	return set, nil
}

// stale reports whether a cached set has outlived the configured TTL.
func (r *Resolver) stale(set *ResolvedSet) bool {
	return r.config.CacheTTL > 0 && time.Since(set.ComputedAt) > r.config.CacheTTL
}

func (r *Resolver) count(result string) {
	if r.metrics != nil {
		r.metrics.PermissionChecksTotal.WithLabelValues(result).Inc()
	}
}
