// Package cache provides permission-set cache implementations: an
// in-process LRU cache with TTL for single-node deployments and a Redis
// cache for shared deployments. Both satisfy authz.PermissionCache and
// maintain a role index so a role permission-set change can evict exactly
// the entries computed from that role instead of flushing everything.
package cache
