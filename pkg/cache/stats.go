package cache

import (
	"sync"
	"sync/atomic"
)

// Statistics tracks cache performance metrics.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64

	mu          sync.RWMutex
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Hit records a cache hit.
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a cache miss.
func (s *Statistics) Miss() { s.misses.Add(1) }

// Set records a cache set operation.
func (s *Statistics) Set() { s.sets.Add(1) }

// Delete records a cache delete operation.
func (s *Statistics) Delete() { s.deletes.Add(1) }

// Eviction records count evictions.
func (s *Statistics) Eviction(count int) { s.evictions.Add(int64(count)) }

// UpdateSize updates the current cache size.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Hits returns the total number of cache hits.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the total number of cache misses.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the total number of set operations.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes returns the total number of delete operations.
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Evictions returns the total number of evictions, by size or by expiry.
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// CurrentSize returns the current number of entries in the cache.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the maximum number of entries the cache has held.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// HitRatio returns hits over lookups, 0 before the first lookup.
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}
