package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/c360/rtlstream/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is safe to advance while the cleanup goroutine reads it.
type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Unix(1_700_000_000, 0).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.nanos.Load()) }

func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

// testBasicOperations tests basic cache operations.
func testBasicOperations(t *testing.T, cache Cache[string]) {
	if value, exists := cache.Get("key1"); exists {
		t.Errorf("Expected cache miss, got value: %s", value)
	}

	isNew, err := cache.Set("key1", "value1")
	if err != nil {
		t.Fatalf("Unexpected error setting key: %v", err)
	}
	if !isNew {
		t.Error("Expected new entry creation")
	}

	if value, exists := cache.Get("key1"); !exists || value != "value1" {
		t.Errorf("Expected 'value1', got value: %s, exists: %t", value, exists)
	}

	isNew, err = cache.Set("key1", "value1_updated")
	if err != nil {
		t.Fatalf("Unexpected error updating key: %v", err)
	}
	if isNew {
		t.Error("Expected existing entry update")
	}

	if value, exists := cache.Get("key1"); !exists || value != "value1_updated" {
		t.Errorf("Expected 'value1_updated', got value: %s, exists: %t", value, exists)
	}

	deleted, err := cache.Delete("key1")
	if err != nil {
		t.Fatalf("Unexpected error deleting key: %v", err)
	}
	if !deleted {
		t.Error("Expected successful deletion")
	}

	deleted, err = cache.Delete("key1")
	if err != nil {
		t.Fatalf("Unexpected error deleting non-existent key: %v", err)
	}
	if deleted {
		t.Error("Expected deletion failure for non-existent key")
	}

	if _, err := cache.Set("", "value"); !errors.IsInvalid(err) {
		t.Errorf("Expected invalid error for empty key, got %v", err)
	}
}

func testKeysOperation(t *testing.T, cache Cache[string]) {
	_, _ = cache.Set("key1", "value1")
	_, _ = cache.Set("key2", "value2")
	_, _ = cache.Set("key3", "value3")

	keys := cache.Keys()
	if len(keys) != 3 {
		t.Fatalf("Expected 3 keys, got %v", keys)
	}
	if keys[0] != "key3" {
		t.Errorf("Expected most recent key first, got %v", keys)
	}
}

func testSuite(t *testing.T, createCache func() Cache[string]) {
	t.Run("BasicOperations", func(t *testing.T) {
		cache := createCache()
		defer cache.Close()
		testBasicOperations(t, cache)
	})

	t.Run("Keys", func(t *testing.T) {
		cache := createCache()
		defer cache.Close()
		testKeysOperation(t, cache)
	})
}

func TestLRUCache(t *testing.T) {
	testSuite(t, func() Cache[string] { return NewLRU[string](10) })

	t.Run("LRUEviction", func(t *testing.T) {
		var evicted []string
		cache := NewLRU(3, WithEvictionCallback(func(key string, _ string) {
			evicted = append(evicted, key)
		}))
		defer cache.Close()

		_, _ = cache.Set("key1", "value1")
		_, _ = cache.Set("key2", "value2")
		_, _ = cache.Set("key3", "value3")

		// key1 becomes most recently used, so key2 goes next
		cache.Get("key1")
		_, _ = cache.Set("key4", "value4")

		if cache.Size() != 3 {
			t.Errorf("Expected size 3 after eviction, got %d", cache.Size())
		}
		if _, exists := cache.Get("key2"); exists {
			t.Error("Expected key2 to be evicted")
		}
		for _, key := range []string{"key1", "key3", "key4"} {
			if _, exists := cache.Get(key); !exists {
				t.Errorf("Expected %s to exist", key)
			}
		}
		if len(evicted) != 1 || evicted[0] != "key2" {
			t.Errorf("Expected eviction callback for key2, got %v", evicted)
		}
		if cache.Stats().Evictions() != 1 {
			t.Errorf("Expected 1 eviction, got %d", cache.Stats().Evictions())
		}
	})

	t.Run("Unbounded", func(t *testing.T) {
		cache := NewLRU[string](0)
		defer cache.Close()

		for i := 0; i < 1000; i++ {
			_, _ = cache.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
		}
		if cache.Size() != 1000 {
			t.Errorf("Expected size 1000, got %d", cache.Size())
		}
		if cache.RemoveExpired() != 0 {
			t.Error("Expected nothing to expire without a TTL")
		}
	})
}

func TestHybridCache(t *testing.T) {
	testSuite(t, func() Cache[string] {
		return NewHybrid[string](context.Background(), 10, time.Minute, 0)
	})

	t.Run("TTLFromLastWrite", func(t *testing.T) {
		clock := newFakeClock()
		cache := NewHybrid(context.Background(), 10, time.Minute, 0, WithClock[string](clock.Now))
		defer cache.Close()

		_, _ = cache.Set("key1", "value1")
		_, _ = cache.Set("key2", "value2")

		clock.Advance(40 * time.Second)
		_, _ = cache.Set("key2", "value2")
		// Reads do not extend the TTL
		cache.Get("key1")

		clock.Advance(30 * time.Second)
		if _, exists := cache.Get("key1"); exists {
			t.Error("Expected key1 to be expired")
		}
		if _, exists := cache.Get("key2"); !exists {
			t.Error("Expected rewritten key2 to survive")
		}
	})

	t.Run("RemoveExpired", func(t *testing.T) {
		clock := newFakeClock()
		var mu sync.Mutex
		evicted := map[string]bool{}
		cache := NewHybrid(context.Background(), 10, time.Minute, 0,
			WithClock[string](clock.Now),
			WithEvictionCallback(func(key string, _ string) {
				mu.Lock()
				evicted[key] = true
				mu.Unlock()
			}))
		defer cache.Close()

		_, _ = cache.Set("key1", "value1")
		clock.Advance(30 * time.Second)
		_, _ = cache.Set("key2", "value2")
		clock.Advance(45 * time.Second)

		if keys := cache.Keys(); len(keys) != 1 || keys[0] != "key2" {
			t.Errorf("Expected only key2 listed, got %v", keys)
		}
		if removed := cache.RemoveExpired(); removed != 1 {
			t.Errorf("Expected 1 expired entry, got %d", removed)
		}
		if cache.Size() != 1 {
			t.Errorf("Expected size 1, got %d", cache.Size())
		}
		if !evicted["key1"] || evicted["key2"] {
			t.Errorf("Expected only key1 reported, got %v", evicted)
		}
	})

	t.Run("CallbackMayReenter", func(t *testing.T) {
		var cache *Hybrid[string]
		sizes := make([]int, 0, 1)
		cache = NewLRU(1, WithEvictionCallback(func(string, string) {
			sizes = append(sizes, cache.Size())
		}))
		defer cache.Close()

		_, _ = cache.Set("key1", "value1")
		_, _ = cache.Set("key2", "value2")

		if len(sizes) != 1 || sizes[0] != 1 {
			t.Errorf("Expected one callback observing size 1, got %v", sizes)
		}
	})

	t.Run("BackgroundCleanup", func(t *testing.T) {
		clock := newFakeClock()
		cache := NewHybrid(context.Background(), 10, time.Minute, 5*time.Millisecond, WithClock[string](clock.Now))
		defer cache.Close()

		_, _ = cache.Set("key1", "value1")
		_, _ = cache.Set("key2", "value2")
		clock.Advance(2 * time.Minute)

		deadline := time.Now().Add(2 * time.Second)
		for cache.Size() != 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if cache.Size() != 0 {
			t.Errorf("Expected size 0 after cleanup, got %d", cache.Size())
		}
	})

	t.Run("CleanupStopsWithContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cache := NewHybrid[string](ctx, 10, time.Minute, time.Millisecond)
		cancel()

		if err := cache.Close(); err != nil {
			t.Errorf("Expected clean close, got %v", err)
		}
		if err := cache.Close(); err != nil {
			t.Errorf("Expected second close to be a no-op, got %v", err)
		}
	})
}

func TestStatistics(t *testing.T) {
	cache := NewLRU[string](2)
	defer cache.Close()

	_, _ = cache.Set("key1", "value1")
	cache.Get("key1")
	cache.Get("missing")
	_, _ = cache.Set("key2", "value2")
	_, _ = cache.Set("key3", "value3")

	stats := cache.Stats()
	if stats.Hits() != 1 || stats.Misses() != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %d/%d", stats.Hits(), stats.Misses())
	}
	if stats.Sets() != 3 {
		t.Errorf("Expected 3 sets, got %d", stats.Sets())
	}
	if stats.HitRatio() != 0.5 {
		t.Errorf("Expected hit ratio 0.5, got %f", stats.HitRatio())
	}
	if stats.CurrentSize() != 2 || stats.MaxSize() != 2 {
		t.Errorf("Expected size 2 and max 2, got %d/%d", stats.CurrentSize(), stats.MaxSize())
	}
}

func TestConcurrentAccess(t *testing.T) {
	cache := NewHybrid[string](context.Background(), 100, time.Minute, time.Millisecond)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key%d-%d", id, j)
				value := fmt.Sprintf("value%d-%d", id, j)
				_, _ = cache.Set(key, value)
				if got, exists := cache.Get(key); exists && got != value {
					t.Errorf("Expected %s, got %s", value, got)
				}
				if j%10 == 0 {
					_, _ = cache.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()

	if cache.Size() > 100 {
		t.Errorf("Expected size bounded by 100, got %d", cache.Size())
	}
}
