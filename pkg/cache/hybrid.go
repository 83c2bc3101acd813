package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type hybridEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means no expiry
}

// Hybrid combines LRU and TTL eviction. Items are evicted either when the
// cache exceeds its maximum size (LRU) or when they expire (TTL), whichever
// comes first. A maxSize <= 0 disables the size bound and a ttl <= 0
// disables expiry.
type Hybrid[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	stats   *Statistics
	evictFn EvictCallback[V]
	now     func() time.Time

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Cache[int] = (*Hybrid[int])(nil)

// NewHybrid creates a hybrid cache. With a positive cleanupInterval and ttl,
// a background goroutine removes expired entries until ctx ends or Close is
// called; otherwise expired entries are removed on access and by
// RemoveExpired.
func NewHybrid[V any](ctx context.Context, maxSize int, ttl, cleanupInterval time.Duration, options ...Option[V]) *Hybrid[V] {
	opts := applyOptions(options...)
	c := &Hybrid[V]{
		maxSize:  maxSize,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stats:    NewStatistics(),
		evictFn:  opts.evictCallback,
		now:      opts.now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if ttl > 0 && cleanupInterval > 0 {
		go c.cleanup(ctx, cleanupInterval)
	} else {
		close(c.done)
	}
	return c
}

// NewLRU creates a size-bounded cache without expiry.
func NewLRU[V any](maxSize int, options ...Option[V]) *Hybrid[V] {
	return NewHybrid(context.Background(), maxSize, 0, 0, options...)
}

func (c *Hybrid[V]) expired(e *hybridEntry[V], now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Get retrieves a value by key, checking for expiration and updating LRU order.
func (c *Hybrid[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		c.stats.Miss()
		return zero, false
	}

	entry := element.Value.(*hybridEntry[V])
	if c.expired(entry, c.now()) {
		c.removeElement(element)
		size := len(c.items)
		c.mu.Unlock()

		c.stats.Eviction(1)
		c.stats.Miss()
		c.stats.UpdateSize(int64(size))
		c.notifyEvicted([]*hybridEntry[V]{entry})
		return zero, false
	}

	c.order.MoveToFront(element)
	value := entry.value
	c.mu.Unlock()

	c.stats.Hit()
	return value, true
}

// Set stores a value with the given key, restarting its TTL and marking it
// most recently used.
func (c *Hybrid[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*hybridEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(element)
		c.mu.Unlock()

		c.stats.Set()
		return false, nil
	}

	c.items[key] = c.order.PushFront(&hybridEntry[V]{key: key, value: value, expiresAt: expiresAt})

	var evicted []*hybridEntry[V]
	for c.maxSize > 0 && len(c.items) > c.maxSize {
		oldest := c.order.Back()
		evicted = append(evicted, oldest.Value.(*hybridEntry[V]))
		c.removeElement(oldest)
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.Eviction(len(evicted))
	c.stats.UpdateSize(int64(size))
	c.notifyEvicted(evicted)
	return true, nil
}

// Delete removes an entry by key. Deleted entries are not reported to the
// eviction callback.
func (c *Hybrid[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}
	c.removeElement(element)
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	return true, nil
}

// Size returns the current number of entries, including expired entries
// not yet removed.
func (c *Hybrid[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the unexpired keys, most recently used first.
func (c *Hybrid[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*hybridEntry[V])
		if !c.expired(entry, now) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (c *Hybrid[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background cleanup goroutine, if one is running.
func (c *Hybrid[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

// RemoveExpired removes every expired entry and returns how many were removed.
func (c *Hybrid[V]) RemoveExpired() int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	now := c.now()
	var expired []*hybridEntry[V]
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		entry := element.Value.(*hybridEntry[V])
		if c.expired(entry, now) {
			expired = append(expired, entry)
			c.removeElement(element)
		}
		element = next
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) > 0 {
		c.stats.Eviction(len(expired))
		c.stats.UpdateSize(int64(size))
		c.notifyEvicted(expired)
	}
	return len(expired)
}

// removeElement must be called with mu held.
func (c *Hybrid[V]) removeElement(element *list.Element) {
	entry := element.Value.(*hybridEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
}

func (c *Hybrid[V]) notifyEvicted(entries []*hybridEntry[V]) {
	if c.evictFn == nil {
		return
	}
	for _, e := range entries {
		c.evictFn(e.key, e.value)
	}
}

func (c *Hybrid[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.RemoveExpired()
		}
	}
}
