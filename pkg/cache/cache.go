// Package cache provides a generic, thread-safe cache with LRU eviction and
// optional time-to-live expiry.
//
// A Hybrid cache bounds its size with LRU eviction and expires entries that
// have not been written for longer than the TTL, whichever comes first.
// Either bound can be disabled. Expired entries read back as misses and are
// removed lazily, by RemoveExpired, or by an optional background cleanup
// goroutine. Statistics are always collected.
package cache

import (
	"github.com/c360/rtlstream/errors"
)

// Cache represents a generic cache interface that all cache implementations must satisfy.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found, zero value and false otherwise.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was created, false if updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed and was deleted.
	Delete(key string) (bool, error)

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns all keys currently in the cache, most recently used first.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close stops background cleanup, if any.
	Close() error
}

// EvictCallback is called when an entry is evicted or expires. It is never
// called with the cache lock held.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
