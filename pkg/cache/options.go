package cache

import "time"

// Option configures cache behavior.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	evictCallback EvictCallback[V]
	now           func() time.Time
}

// WithEvictionCallback sets a callback function that is called when items are evicted.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithClock replaces time.Now for expiry decisions. Nil is ignored.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(opts *cacheOptions[V]) {
		if now != nil {
			opts.now = now
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{now: time.Now}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
