// Package store persists organizations, users, roles, and memberships in
// PostgreSQL and backs the authorization resolver. Role permission sets
// are stored as JSONB; a partial unique index guarantees at most one
// active membership per (user, organization) pair.
package store
