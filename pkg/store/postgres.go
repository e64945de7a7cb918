package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/authz"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store handles authorization data persistence
type Store struct {
	db *sql.DB
}

// New creates a store on an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks and stats export.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ActiveMembership implements authz.MembershipStore. It returns the role
// of the user's single active membership in the organization, or
// found=false when there is none.
func (s *Store) ActiveMembership(ctx context.Context, userID, orgID int64) (int64, bool, error) {
	query := `
		SELECT role_id
		FROM memberships
		WHERE user_id = $1 AND organization_id = $2 AND active
	`

	var roleID int64
	err := s.db.QueryRowContext(ctx, query, userID, orgID).Scan(&roleID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get active membership: %w", err)
	}

	return roleID, true, nil
}

// RolePermissions implements authz.RoleStore.
func (s *Store) RolePermissions(ctx context.Context, roleID int64) ([]authz.PermissionCode, error) {
	query := `SELECT permissions FROM roles WHERE id = $1`

	var permissionsJSON string
	err := s.db.QueryRowContext(ctx, query, roleID).Scan(&permissionsJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}

	var perms []string
	if err := json.Unmarshal([]byte(permissionsJSON), &perms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}

	codes := make([]authz.PermissionCode, 0, len(perms))
	for _, p := range perms {
		codes = append(codes, authz.PermissionCode(p))
	}
	return codes, nil
}

// CreateOrganization creates a new organization
func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	query := `
		INSERT INTO organizations (name, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	now := time.Now()
	err := s.db.QueryRowContext(ctx, query, org.Name, org.DisplayName, now, now).Scan(&org.ID)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}

	org.CreatedAt = now
	org.UpdatedAt = now
	return nil
}

// GetOrganization retrieves an organization by ID
func (s *Store) GetOrganization(ctx context.Context, orgID int64) (*Organization, error) {
	query := `
		SELECT id, name, display_name, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`

	var org Organization
	err := s.db.QueryRowContext(ctx, query, orgID).Scan(
		&org.ID,
		&org.Name,
		&org.DisplayName,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("organization %d: %w", orgID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return &org, nil
}

// ListOrganizations lists all organizations
func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	query := `
		SELECT id, name, display_name, created_at, updated_at
		FROM organizations
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.DisplayName, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}

	return orgs, rows.Err()
}

// CreateUser creates a new user
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, email, is_superuser, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		user.Username,
		user.Email,
		user.IsSuperuser,
		now,
		now,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	query := `
		SELECT id, username, email, is_superuser, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.IsSuperuser,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, email, is_superuser, created_at, updated_at
		FROM users
		WHERE username = $1
	`

	var user User
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.IsSuperuser,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO roles (name, display_name, description, permissions, is_built_in, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now()
	err = s.db.QueryRowContext(ctx, query,
		role.Name,
		role.DisplayName,
		role.Description,
		string(permissionsJSON),
		role.IsBuiltIn,
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `
		SELECT id, name, display_name, description, permissions, is_built_in, created_at, updated_at
		FROM roles
		WHERE id = $1
	`

	return s.scanRole(s.db.QueryRowContext(ctx, query, roleID), fmt.Sprintf("%d", roleID))
}

// GetRoleByName retrieves a role by name
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	query := `
		SELECT id, name, display_name, description, permissions, is_built_in, created_at, updated_at
		FROM roles
		WHERE name = $1
	`

	return s.scanRole(s.db.QueryRowContext(ctx, query, name), name)
}

func (s *Store) scanRole(row *sql.Row, ident string) (*Role, error) {
	var role Role
	var permissionsJSON string

	err := row.Scan(
		&role.ID,
		&role.Name,
		&role.DisplayName,
		&role.Description,
		&permissionsJSON,
		&role.IsBuiltIn,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %s: %w", ident, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}

	return &role, nil
}

// ListRoles lists all roles
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	query := `
		SELECT id, name, display_name, description, permissions, is_built_in, created_at, updated_at
		FROM roles
		ORDER BY is_built_in DESC, name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		var permissionsJSON string

		err := rows.Scan(
			&role.ID,
			&role.Name,
			&role.DisplayName,
			&role.Description,
			&permissionsJSON,
			&role.IsBuiltIn,
			&role.CreatedAt,
			&role.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}

		if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}

		roles = append(roles, role)
	}

	return roles, rows.Err()
}

// UpdateRolePermissions replaces a role's permission set. Callers must
// invalidate the permission cache for the role afterwards.
func (s *Store) UpdateRolePermissions(ctx context.Context, roleID int64, permissions []string) error {
	permissionsJSON, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		UPDATE roles
		SET permissions = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, string(permissionsJSON), time.Now(), roleID)
	if err != nil {
		return fmt.Errorf("failed to update role permissions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}

	return nil
}

// DeleteRole deletes a custom role. Built-in roles cannot be deleted.
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsBuiltIn {
		return fmt.Errorf("cannot delete built-in role %s", role.Name)
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// CreateMembership creates an active membership. The partial unique index
// rejects a second active membership for the same (user, organization).
func (s *Store) CreateMembership(ctx context.Context, m *Membership) error {
	query := `
		INSERT INTO memberships (user_id, organization_id, role_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now()
	m.Active = true
	err := s.db.QueryRowContext(ctx, query,
		m.UserID,
		m.OrganizationID,
		m.RoleID,
		m.Active,
		now,
		now,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}

	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// GetMembership retrieves a membership by ID
func (s *Store) GetMembership(ctx context.Context, membershipID int64) (*Membership, error) {
	query := `
		SELECT id, user_id, organization_id, role_id, active, created_at, updated_at
		FROM memberships
		WHERE id = $1
	`

	var m Membership
	err := s.db.QueryRowContext(ctx, query, membershipID).Scan(
		&m.ID,
		&m.UserID,
		&m.OrganizationID,
		&m.RoleID,
		&m.Active,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("membership %d: %w", membershipID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return &m, nil
}

// UpdateMembershipRole changes the role of an active membership.
func (s *Store) UpdateMembershipRole(ctx context.Context, userID, orgID, roleID int64) error {
	query := `
		UPDATE memberships
		SET role_id = $1, updated_at = $2
		WHERE user_id = $3 AND organization_id = $4 AND active
	`

	result, err := s.db.ExecContext(ctx, query, roleID, time.Now(), userID, orgID)
	if err != nil {
		return fmt.Errorf("failed to update membership role: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("active membership for user %d in organization %d: %w", userID, orgID, ErrNotFound)
	}

	return nil
}

// DeactivateMembership deactivates the user's active membership in the
// organization. The row is kept for audit.
func (s *Store) DeactivateMembership(ctx context.Context, userID, orgID int64) error {
	query := `
		UPDATE memberships
		SET active = $1, updated_at = $2
		WHERE user_id = $3 AND organization_id = $4 AND active
	`

	result, err := s.db.ExecContext(ctx, query, false, time.Now(), userID, orgID)
	if err != nil {
		return fmt.Errorf("failed to deactivate membership: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("active membership for user %d in organization %d: %w", userID, orgID, ErrNotFound)
	}

	return nil
}

// ListMembers lists all active memberships of an organization
func (s *Store) ListMembers(ctx context.Context, orgID int64) ([]Membership, error) {
	query := `
		SELECT id, user_id, organization_id, role_id, active, created_at, updated_at
		FROM memberships
		WHERE organization_id = $1 AND active
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	return scanMemberships(rows)
}

// MembershipsByRole lists all active memberships holding the given role,
// across organizations.
func (s *Store) MembershipsByRole(ctx context.Context, roleID int64) ([]Membership, error) {
	query := `
		SELECT id, user_id, organization_id, role_id, active, created_at, updated_at
		FROM memberships
		WHERE role_id = $1 AND active
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships by role: %w", err)
	}
	defer rows.Close()

	return scanMemberships(rows)
}

func scanMemberships(rows *sql.Rows) ([]Membership, error) {
	var memberships []Membership
	for rows.Next() {
		var m Membership
		err := rows.Scan(
			&m.ID,
			&m.UserID,
			&m.OrganizationID,
			&m.RoleID,
			&m.Active,
			&m.CreatedAt,
			&m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}
