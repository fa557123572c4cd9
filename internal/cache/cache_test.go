package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = cache.Set(ctx, "key3", []byte("old"), time.Minute)
		_ = cache.Set(ctx, "key3", []byte("new"), time.Minute)

		val, _ := cache.Get(ctx, "key3")
		if string(val) != "new" {
			t.Errorf("expected 'new', got '%s'", string(val))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
		c := NewLRUCache(10)
		c.now = clock.now

		_ = c.Set(ctx, "expiring", []byte("temp"), 10*time.Second)

		val, _ := c.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		clock.advance(11 * time.Second)

		val, _ = c.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("RequiresKey", func(t *testing.T) {
		if err := cache.Set(ctx, "", []byte("value"), time.Minute); err == nil {
			t.Error("expected error for empty key")
		}
		if _, err := cache.Get(ctx, ""); err == nil {
			t.Error("expected error for empty key")
		}
		if _, err := cache.IncrementCounter(ctx, "", time.Minute); err == nil {
			t.Error("expected error for empty key")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
		c := NewLRUCache(10)
		c.now = clock.now
		window := time.Hour

		count1, err := c.IncrementCounter(ctx, "velocity:wallet-a", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		clock.advance(59 * time.Minute)
		count2, _ := c.IncrementCounter(ctx, "velocity:wallet-a", window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		other, _ := c.IncrementCounter(ctx, "velocity:wallet-b", window)
		if other != 1 {
			t.Errorf("expected independent counter, got %d", other)
		}

		// The window is anchored at the first increment.
		clock.advance(2 * time.Minute)
		count3, _ := c.IncrementCounter(ctx, "velocity:wallet-a", window)
		if count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

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
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)

	type history struct {
		TotalSplits int     `json:"total_splits"`
		AvgAmount   float64 `json:"avg_amount"`
	}

	var got history
	found, err := GetJSON(ctx, c, "history:creator-1", &got)
	if err != nil || found {
		t.Fatalf("expected clean miss, got found=%v err=%v", found, err)
	}

	if err := SetJSON(ctx, c, "history:creator-1", history{TotalSplits: 4, AvgAmount: 12.5}, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	found, err = GetJSON(ctx, c, "history:creator-1", &got)
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if got.TotalSplits != 4 || got.AvgAmount != 12.5 {
		t.Errorf("unexpected decoded value: %+v", got)
	}

	_ = c.Set(ctx, "history:broken", []byte("{not json"), time.Minute)
	if _, err := GetJSON(ctx, c, "history:broken", &got); err == nil {
		t.Error("expected decode error for corrupt entry")
	}
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
		if !errors.Is(err, domain.ErrInvalidConfiguration) {
			t.Errorf("expected ErrInvalidConfiguration, got %v", err)
		}
	})
}
