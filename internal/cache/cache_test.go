package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	ns := domain.NamespaceVault

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, ns, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, ns, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "copy", []byte("abc"), time.Minute)

		val, _ := cache.Get(ctx, ns, "copy")
		val[0] = 'z'

		again, _ := cache.Get(ctx, ns, "copy")
		if string(again) != "abc" {
			t.Errorf("stored value mutated through returned slice: %q", again)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, ns, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, ns, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, ns, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clockCache := NewLRUCache(10)
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clockCache.now = func() time.Time { return now }

		_ = clockCache.Set(ctx, ns, "expiring", []byte("temp"), time.Second)

		val, _ := clockCache.Get(ctx, ns, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		now = now.Add(time.Second)

		val, _ = clockCache.Get(ctx, ns, "expiring")
		if val != nil {
			t.Error("expected nil at expiration")
		}
		if size, _ := clockCache.Stats(); size != 0 {
			t.Errorf("expected expired entry to be dropped, size %d", size)
		}
	})

	t.Run("RejectsNonPositiveTTL", func(t *testing.T) {
		if err := cache.Set(ctx, ns, "k", []byte("v"), 0); err == nil {
			t.Error("expected error for zero ttl")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, ns, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, ns, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, ns, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, ns, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, ns, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, ns, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, ns, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, domain.NamespaceVault, "shared-key", []byte("vault-value"), time.Minute)
		_ = cache.Set(ctx, domain.NamespaceDeviceTrust, "shared-key", []byte("trust-value"), time.Minute)

		val1, _ := cache.Get(ctx, domain.NamespaceVault, "shared-key")
		val2, _ := cache.Get(ctx, domain.NamespaceDeviceTrust, "shared-key")

		if string(val1) != "vault-value" {
			t.Errorf("expected 'vault-value', got '%s'", string(val1))
		}
		if string(val2) != "trust-value" {
			t.Errorf("expected 'trust-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresNamespace", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty namespace")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty namespace")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, ns, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, ns, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, ns, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, ns, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	ns := domain.NamespaceVault

	t.Run("ReadThroughPopulatesL1", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := newTwoPhase(local, remote, time.Minute)

		_ = remote.Set(ctx, ns, "tok", []byte("sealed"), time.Hour)

		val, err := c.Get(ctx, ns, "tok")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "sealed" {
			t.Errorf("expected 'sealed', got '%s'", val)
		}

		l1, _ := local.Get(ctx, ns, "tok")
		if string(l1) != "sealed" {
			t.Error("expected L1 to be populated on L2 hit")
		}
	})

	t.Run("SetWritesBothTiers", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := newTwoPhase(local, remote, time.Minute)

		if err := c.Set(ctx, ns, "tok", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		if v, _ := local.Get(ctx, ns, "tok"); v == nil {
			t.Error("expected L1 write")
		}
		if v, _ := remote.Get(ctx, ns, "tok"); v == nil {
			t.Error("expected L2 write")
		}
	})

	t.Run("DeleteClearsBothTiers", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := newTwoPhase(local, remote, time.Minute)

		_ = c.Set(ctx, ns, "tok", []byte("v"), time.Hour)
		if err := c.Delete(ctx, ns, "tok"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if v, _ := c.Get(ctx, ns, "tok"); v != nil {
			t.Error("expected nil after delete")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
