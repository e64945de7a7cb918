package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/arbiterhq/arbiter/pkg/authz"
)

// RedisConfig holds Redis cache configuration
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int

	// TTL is the expiry for cached permission sets. It is the safety net
	// for missed invalidations; keep it short.
	TTL time.Duration
}

// DefaultRedisConfig returns default Redis cache configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL: "redis://localhost:6379",
		TTL: 5 * time.Minute,
	}
}

// RedisCache is a shared permission cache backed by Redis. Entries are
// JSON-encoded under perms:<user>:<org>; a Redis set per role
// (roleidx:<role>) indexes the keys computed from that role so
// DeleteByRole evicts exactly the affected entries.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed permission cache and verifies
// connectivity.
func NewRedisCache(config RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.DB > 0 {
		opts.DB = config.DB
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultRedisConfig().TTL
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

// Get retrieves the resolved set for (userID, orgID), or (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, userID, orgID int64) (*authz.ResolvedSet, error) {
	key := permKey(userID, orgID)

	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var set authz.ResolvedSet
	if err := json.Unmarshal([]byte(data), &set); err != nil {
		// Corrupt entries are dropped so the next check recomputes.
		c.client.Del(ctx, key)
		return nil, fmt.Errorf("failed to unmarshal resolved set: %w", err)
	}

	return &set, nil
}

// Set stores a resolved set with the configured TTL and tags it in the
// role index when it was computed from a role.
func (c *RedisCache) Set(ctx context.Context, set *authz.ResolvedSet) error {
	if set == nil {
		return fmt.Errorf("resolved set cannot be nil")
	}

	key := permKey(set.UserID, set.OrganizationID)

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal resolved set: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	if set.RoleID > 0 {
		idx := roleIndexKey(set.RoleID)
		pipe := c.client.Pipeline()
		pipe.SAdd(ctx, idx, key)
		// Refresh on every write; every member entry expires no later
		// than the index itself.
		pipe.Expire(ctx, idx, c.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis role index update failed: %w", err)
		}
	}

	return nil
}

// Delete evicts the entry for one (userID, orgID) pair. Stale role index
// members are harmless and age out with the index TTL.
func (c *RedisCache) Delete(ctx context.Context, userID, orgID int64) error {
	return c.client.Del(ctx, permKey(userID, orgID)).Err()
}

// DeleteByRole evicts every entry computed from the given role.
func (c *RedisCache) DeleteByRole(ctx context.Context, roleID int64) error {
	idx := roleIndexKey(roleID)

	keys, err := c.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("redis role index read failed: %w", err)
	}

	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis role eviction failed: %w", err)
		}
	}

	return c.client.Del(ctx, idx).Err()
}

// DeleteAll removes every cached permission set and role index by pattern
// scan, leaving unrelated keys in the database untouched.
func (c *RedisCache) DeleteAll(ctx context.Context) error {
	for _, pattern := range []string{"perms:*", "roleidx:*"} {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
		}
	}
	return nil
}

// Ping checks Redis connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for health checks
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func permKey(userID, orgID int64) string {
	return fmt.Sprintf("perms:%d:%d", userID, orgID)
}

func roleIndexKey(roleID int64) string {
	return fmt.Sprintf("roleidx:%d", roleID)
}
