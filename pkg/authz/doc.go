// Package authz implements organization-aware permission resolution.
//
// The Resolver answers "does user U hold permission P within organization O?"
// against a membership store and a role store, with a read-through cache
// keyed on (user, organization). Superusers bypass resolution entirely.
// Cache entries are tagged with the role they were computed from so that a
// role permission-set change evicts exactly the affected entries.
//
// All failures resolving membership or role data surface as a
// *ResolutionError and are never coerced to a grant or a denial; callers
// are expected to fail closed.
package authz
