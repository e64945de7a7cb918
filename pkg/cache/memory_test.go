package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryCache_SetAndGet(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	ctx := context.Background()
	set := resolvedSet(1, 10, 100, "invoice.view", "invoice.change")

	if err := cache.Set(ctx, set); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := cache.Get(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Expected retrieved set to be non-nil")
	}
	if !retrieved.Has("invoice.view") {
		t.Error("Expected invoice.view to be granted")
	}
	if retrieved.Has("invoice.delete") {
		t.Error("Expected invoice.delete to be absent")
	}
}

func TestMemoryCache_Get_Miss(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	retrieved, err := cache.Get(context.Background(), 99, 99)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved != nil {
		t.Errorf("Expected nil on miss, got %v", retrieved)
	}
}

func TestMemoryCache_Set_Nil(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	if err := cache.Set(context.Background(), nil); err == nil {
		t.Fatal("Expected error for nil set")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	ctx := context.Background()

	if err := cache.Set(ctx, resolvedSet(1, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Delete(ctx, 1, 10); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	retrieved, err := cache.Get(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved != nil {
		t.Errorf("Expected entry to be deleted, got %v", retrieved)
	}
}

func TestMemoryCache_DeleteByRole(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	ctx := context.Background()

	if err := cache.Set(ctx, resolvedSet(1, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Set(ctx, resolvedSet(2, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Set(ctx, resolvedSet(3, 10, 200, "invoice.change")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := cache.DeleteByRole(ctx, 100); err != nil {
		t.Fatalf("DeleteByRole failed: %v", err)
	}

	for _, userID := range []int64{1, 2} {
		retrieved, err := cache.Get(ctx, userID, 10)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if retrieved != nil {
			t.Errorf("Expected entry for user %d to be evicted", userID)
		}
	}

	retrieved, err := cache.Get(ctx, 3, 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved == nil {
		t.Error("Expected entry for role 200 to survive")
	}
}

func TestMemoryCache_DeleteByRole_UnknownRole(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	if err := cache.DeleteByRole(context.Background(), 999); err != nil {
		t.Fatalf("DeleteByRole should not fail for unknown role: %v", err)
	}
}

func TestMemoryCache_RetagOnOverwrite(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	ctx := context.Background()

	// Same pair resolved first from role 100, then from role 200 after a
	// role reassignment
	if err := cache.Set(ctx, resolvedSet(1, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Set(ctx, resolvedSet(1, 10, 200, "invoice.change")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Evicting the old role must not touch the rewritten entry
	if err := cache.DeleteByRole(ctx, 100); err != nil {
		t.Fatalf("DeleteByRole failed: %v", err)
	}
	retrieved, err := cache.Get(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Expected entry tagged with new role to survive old-role eviction")
	}

	if err := cache.DeleteByRole(ctx, 200); err != nil {
		t.Fatalf("DeleteByRole failed: %v", err)
	}
	retrieved, err = cache.Get(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved != nil {
		t.Error("Expected entry to be evicted via its current role")
	}
}

func TestMemoryCache_DeleteAll(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	ctx := context.Background()

	if err := cache.Set(ctx, resolvedSet(1, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Set(ctx, resolvedSet(2, 20, 200, "invoice.change")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := cache.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}

	for _, key := range []struct{ userID, orgID int64 }{{1, 10}, {2, 20}} {
		retrieved, err := cache.Get(ctx, key.userID, key.orgID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if retrieved != nil {
			t.Errorf("Expected entry (%d, %d) to be flushed", key.userID, key.orgID)
		}
	}
}

func TestMemoryCache_EvictionUntagsRoleIndex(t *testing.T) {
	cache := NewMemoryCache(2, 0)
	defer cache.Close()

	ctx := context.Background()

	// Capacity 2; the third insert evicts the oldest entry
	if err := cache.Set(ctx, resolvedSet(1, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Set(ctx, resolvedSet(2, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Set(ctx, resolvedSet(3, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	cache.mu.Lock()
	members := len(cache.byRole[100])
	tagged := len(cache.keyRoles)
	cache.mu.Unlock()

	if members != 2 {
		t.Errorf("Expected 2 tagged entries for role 100 after eviction, got %d", members)
	}
	if tagged != 2 {
		t.Errorf("Expected 2 tagged keys after eviction, got %d", tagged)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	cache := NewMemoryCache(16, 50*time.Millisecond)
	defer cache.Close()

	ctx := context.Background()

	if err := cache.Set(ctx, resolvedSet(1, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	retrieved, err := cache.Get(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved != nil {
		t.Error("Expected entry to be expired")
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	defer cache.Close()

	ctx := context.Background()

	if err := cache.Set(ctx, resolvedSet(1, 10, 100, "invoice.view")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	cache.Get(ctx, 1, 10)
	cache.Get(ctx, 1, 10)
	cache.Get(ctx, 9, 9)

	stats := cache.Stats()
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if stats.ItemCount != 1 {
		t.Errorf("Expected 1 item, got %d", stats.ItemCount)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Errorf("Expected hit rate ~0.67, got %f", stats.HitRate)
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	cache := NewMemoryCache(128, 0)
	defer cache.Close()

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cache.Set(ctx, resolvedSet(idx, 10, idx%3+1, "invoice.view"))
				cache.Get(ctx, idx, 10)
				if j%10 == 0 {
					cache.DeleteByRole(ctx, idx%3+1)
				}
			}
		}(int64(i + 1))
	}

	wg.Wait()
}
