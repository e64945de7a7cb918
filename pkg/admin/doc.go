// Package admin manages organizations, roles, and memberships. Every
// write that can change a user's effective permissions is paired with a
// synchronous cache invalidation, so the next permission check observes
// the new state.
package admin
