package admin

import (
	"context"
	"fmt"

	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/observability"
	"github.com/arbiterhq/arbiter/pkg/store"
)

// Service coordinates membership and role administration with cache
// invalidation.
type Service struct {
	store    *store.Store
	resolver *authz.Resolver
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewService creates an admin service.
func NewService(s *store.Store, resolver *authz.Resolver, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		store:    s,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
	}
}

// CreateOrganization creates a new organization.
func (s *Service) CreateOrganization(ctx context.Context, org *store.Organization) error {
	if org.Name == "" {
		return fmt.Errorf("organization name is required")
	}
	return s.store.CreateOrganization(ctx, org)
}

// GetOrganization retrieves an organization.
func (s *Service) GetOrganization(ctx context.Context, orgID int64) (*store.Organization, error) {
	return s.store.GetOrganization(ctx, orgID)
}

// ListOrganizations lists all organizations.
func (s *Service) ListOrganizations(ctx context.Context) ([]store.Organization, error) {
	return s.store.ListOrganizations(ctx)
}

// GetUser retrieves a user account.
func (s *Service) GetUser(ctx context.Context, userID int64) (*store.User, error) {
	return s.store.GetUser(ctx, userID)
}

// AddMember creates an active membership and invalidates the member's
// cached permissions for the organization.
func (s *Service) AddMember(ctx context.Context, orgID, userID, roleID int64) (*store.Membership, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}

	m := &store.Membership{UserID: userID, OrganizationID: orgID, RoleID: roleID}
	if err := s.store.CreateMembership(ctx, m); err != nil {
		return nil, err
	}

	s.invalidateMember(ctx, userID, orgID)
	s.countInvalidation("membership")

	s.logger.WithFields(map[string]interface{}{
		"user_id":         userID,
		"organization_id": orgID,
		"role_id":         roleID,
	}).Info("Member added")

	return m, nil
}

// ChangeMemberRole changes the role on an active membership and
// invalidates the member's cached permissions.
func (s *Service) ChangeMemberRole(ctx context.Context, orgID, userID, roleID int64) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}

	if err := s.store.UpdateMembershipRole(ctx, userID, orgID, roleID); err != nil {
		return err
	}

	s.invalidateMember(ctx, userID, orgID)
	s.countInvalidation("membership")

	s.logger.WithFields(map[string]interface{}{
		"user_id":         userID,
		"organization_id": orgID,
		"role_id":         roleID,
	}).Info("Member role changed")

	return nil
}

// RemoveMember deactivates the membership and invalidates the member's
// cached permissions. The next check resolves to an empty set.
func (s *Service) RemoveMember(ctx context.Context, orgID, userID int64) error {
	if err := s.store.DeactivateMembership(ctx, userID, orgID); err != nil {
		return err
	}

	s.invalidateMember(ctx, userID, orgID)
	s.countInvalidation("membership")

	s.logger.WithFields(map[string]interface{}{
		"user_id":         userID,
		"organization_id": orgID,
	}).Info("Member removed")

	return nil
}

// ListMembers lists the active memberships of an organization.
func (s *Service) ListMembers(ctx context.Context, orgID int64) ([]store.Membership, error) {
	return s.store.ListMembers(ctx, orgID)
}

// CreateRole creates a custom role.
func (s *Service) CreateRole(ctx context.Context, role *store.Role) error {
	if role.Name == "" {
		return fmt.Errorf("role name is required")
	}
	role.IsBuiltIn = false
	return s.store.CreateRole(ctx, role)
}

// GetRole retrieves a role.
func (s *Service) GetRole(ctx context.Context, roleID int64) (*store.Role, error) {
	return s.store.GetRole(ctx, roleID)
}

// ListRoles lists all roles.
func (s *Service) ListRoles(ctx context.Context) ([]store.Role, error) {
	return s.store.ListRoles(ctx)
}

// UpdateRolePermissions replaces a role's permission set and evicts every
// cached entry computed from the role. Other roles' entries survive.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID int64, permissions []string) error {
	if err := s.store.UpdateRolePermissions(ctx, roleID, permissions); err != nil {
		return err
	}

	if err := s.resolver.InvalidateRole(ctx, roleID); err != nil {
		s.logger.WithError(err).WithField("role_id", roleID).Warn("role invalidation failed")
	}
	s.countInvalidation("role")

	s.logger.WithField("role_id", roleID).Info("Role permissions updated")
	return nil
}

// DeleteRole removes a custom role that no active membership holds.
func (s *Service) DeleteRole(ctx context.Context, roleID int64) error {
	memberships, err := s.store.MembershipsByRole(ctx, roleID)
	if err != nil {
		return err
	}
	if len(memberships) > 0 {
		return fmt.Errorf("role %d is held by %d active memberships", roleID, len(memberships))
	}

	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}

	if err := s.resolver.InvalidateRole(ctx, roleID); err != nil {
		s.logger.WithError(err).WithField("role_id", roleID).Warn("role invalidation failed")
	}
	s.countInvalidation("role")

	return nil
}

// Check answers a permission query for the given user.
func (s *Service) Check(ctx context.Context, user authz.User, code authz.PermissionCode, org authz.OrgContext) (bool, error) {
	return s.resolver.HasPermission(ctx, user, code, org)
}

// EffectivePermissions returns the user's effective permission set in the
// organization.
func (s *Service) EffectivePermissions(ctx context.Context, user authz.User, org authz.OrgContext) ([]authz.PermissionCode, error) {
	return s.resolver.EffectivePermissions(ctx, user, org)
}

func (s *Service) invalidateMember(ctx context.Context, userID, orgID int64) {
	if err := s.resolver.InvalidatePermissions(ctx, userID, orgID); err != nil {
		// The TTL bounds how long a stale entry can outlive this failure.
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"user_id":         userID,
			"organization_id": orgID,
		}).Warn("membership invalidation failed")
	}
}

func (s *Service) countInvalidation(scope string) {
	if s.metrics != nil {
		s.metrics.InvalidationsTotal.WithLabelValues(scope).Inc()
	}
}
