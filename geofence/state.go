package geofence

import (
	"context"
	"time"

	"github.com/c360/rtlstream/pkg/cache"
)

// subjectStates is a bounded LRU of per-subject containment state. Entries
// not written for longer than the TTL read back as Unknown. A zero max or
// TTL disables that bound. Expired entries go on Sweep; there is no
// background cleanup.
type subjectStates struct {
	items *cache.Hybrid[State]
}

func newSubjectStates(cfg Config, now func() time.Time, metrics *Metrics) *subjectStates {
	return &subjectStates{
		items: cache.NewHybrid(context.Background(), cfg.SubjectStateMax, cfg.SubjectStateTTL, 0,
			cache.WithClock[State](now),
			cache.WithEvictionCallback(func(string, State) { metrics.recordStateEviction() }),
		),
	}
}

func (s *subjectStates) get(subject string) State {
	if state, ok := s.items.Get(subject); ok {
		return state
	}
	return Unknown
}

// set records state for subject. An empty subject is never remembered.
func (s *subjectStates) set(subject string, state State) {
	_, _ = s.items.Set(subject, state)
}

// sweep drops expired entries and returns how many were removed.
func (s *subjectStates) sweep() int {
	return s.items.RemoveExpired()
}

func (s *subjectStates) len() int {
	return s.items.Size()
}
