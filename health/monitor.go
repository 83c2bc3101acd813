package health

import (
	"context"
	"sort"
	"sync"
)

// CheckFunc reports the current health of one component.
type CheckFunc func(ctx context.Context) Status

// Monitor runs registered checks on demand. Safe for concurrent use.
type Monitor struct {
	name string

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a monitor whose aggregate status is reported as name.
func NewMonitor(name string) *Monitor {
	return &Monitor{name: name, checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check for component.
func (m *Monitor) Register(component string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Remove drops a component's check.
func (m *Monitor) Remove(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, component)
}

// Components returns the registered component names in order.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check and aggregates the results. Sub-statuses are
// ordered by component name.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	subs := make([]Status, 0, len(names))
	for _, name := range names {
		s := checks[name](ctx)
		s.Component = name
		subs = append(subs, s)
	}
	return Aggregate(m.name, subs)
}
