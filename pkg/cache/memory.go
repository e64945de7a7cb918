package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/arbiterhq/arbiter/pkg/authz"
)

// DefaultMaxEntries bounds the in-memory cache when no size is given.
const DefaultMaxEntries = 8192

// MemoryCache is an in-process LRU permission cache with TTL expiry.
type MemoryCache struct {
	cache *lru.LRU[string, *authz.ResolvedSet]

	mu       sync.Mutex
	byRole   map[int64]map[string]struct{}
	keyRoles map[string]int64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates a memory cache holding up to maxEntries resolved
// sets, each expiring after ttl. A non-positive maxEntries uses
// DefaultMaxEntries; a zero ttl disables expiry.
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c := &MemoryCache{
		byRole:   make(map[int64]map[string]struct{}),
		keyRoles: make(map[string]int64),
	}
	c.cache = lru.NewLRU(maxEntries, func(key string, _ *authz.ResolvedSet) {
		c.untag(key)
	}, ttl)

	return c
}

// Get retrieves the resolved set for (userID, orgID), or (nil, nil) on a miss.
func (c *MemoryCache) Get(ctx context.Context, userID, orgID int64) (*authz.ResolvedSet, error) {
	set, ok := c.cache.Get(memoryKey(userID, orgID))
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return set, nil
}

// Set stores a resolved set, tagging it with the role it was computed from.
func (c *MemoryCache) Set(ctx context.Context, set *authz.ResolvedSet) error {
	if set == nil {
		return fmt.Errorf("resolved set cannot be nil")
	}

	key := memoryKey(set.UserID, set.OrganizationID)
	// Add may evict an older entry; the eviction callback untags it before
	// the new tag is recorded below.
	c.cache.Add(key, set)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.untagLocked(key)
	if set.RoleID > 0 {
		members, ok := c.byRole[set.RoleID]
		if !ok {
			members = make(map[string]struct{})
			c.byRole[set.RoleID] = members
		}
		members[key] = struct{}{}
		c.keyRoles[key] = set.RoleID
	}
	return nil
}

// Delete evicts the entry for one (userID, orgID) pair.
func (c *MemoryCache) Delete(ctx context.Context, userID, orgID int64) error {
	c.cache.Remove(memoryKey(userID, orgID))
	return nil
}

// DeleteByRole evicts every entry computed from the given role.
func (c *MemoryCache) DeleteByRole(ctx context.Context, roleID int64) error {
	c.mu.Lock()
	members := c.byRole[roleID]
	keys := make([]string, 0, len(members))
	for key := range members {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.cache.Remove(key)
	}
	return nil
}

// DeleteAll flushes the cache.
func (c *MemoryCache) DeleteAll(ctx context.Context) error {
	c.cache.Purge()
	c.mu.Lock()
	c.byRole = make(map[int64]map[string]struct{})
	c.keyRoles = make(map[string]int64)
	c.mu.Unlock()
	return nil
}

// Close releases resources.
func (c *MemoryCache) Close() error {
	return c.DeleteAll(context.Background())
}

// Stats holds cache statistics
type Stats struct {
	Hits      int64
	Misses    int64
	ItemCount int64
	HitRate   float64
}

// Stats returns hit/miss statistics.
func (c *MemoryCache) Stats() Stats {
	stats := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: int64(c.cache.Len()),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *MemoryCache) untag(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untagLocked(key)
}

func (c *MemoryCache) untagLocked(key string) {
	roleID, ok := c.keyRoles[key]
	if !ok {
		return
	}
	delete(c.keyRoles, key)
	if members, ok := c.byRole[roleID]; ok {
		delete(members, key)
		if len(members) == 0 {
			delete(c.byRole, roleID)
		}
	}
}

func memoryKey(userID, orgID int64) string {
	return fmt.Sprintf("%d:%d", userID, orgID)
}
