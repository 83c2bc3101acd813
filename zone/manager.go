// Package zone manages the trigger sets of active zones. A zone context is
// loaded from the metadata store on first use, shared by every session
// streaming that zone, and discarded when its last holder releases it.
package zone

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/geofence"
	"github.com/c360/rtlstream/pkg/retry"
	"github.com/c360/rtlstream/store"
)

// Config controls zone loading.
type Config struct {
	Geofence geofence.Config
	// Retry applies to transient metadata store errors.
	Retry retry.Config
	// LoadTimeout bounds one zone load, retries included. Zero is unbounded.
	LoadTimeout time.Duration
}

// DefaultConfig returns the geofence defaults and the store retry policy.
func DefaultConfig() Config {
	return Config{
		Geofence:    geofence.DefaultConfig(),
		Retry:       errors.DefaultRetryConfig().ToRetryConfig(),
		LoadTimeout: 30 * time.Second,
	}
}

// Deps are the manager's collaborators. Store is required.
type Deps struct {
	Store    store.MetadataStore
	Listener geofence.Listener
	Notifier geofence.Notifier
	Logger   *slog.Logger
	Metrics  *geofence.Metrics
}

// Context is one loaded zone.
type Context struct {
	ZoneID    int
	Evaluator *geofence.Evaluator

	refs  int
	ready chan struct{}
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	zones map[int]*Context
}

// NewManager creates a manager with no zones loaded.
func NewManager(cfg Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "zone")
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		zones:  make(map[int]*Context),
	}
}

// Acquire returns the context for zoneID, loading it if this is the first
// holder. Concurrent callers for the same zone wait for a single load, which
// runs detached from any one caller's ctx. A failed load still yields a
// usable context with no triggers; only ctx cancellation while waiting
// returns an error.
func (m *Manager) Acquire(ctx context.Context, zoneID int) (*Context, error) {
	m.mu.Lock()
	zc, ok := m.zones[zoneID]
	if ok {
		zc.refs++
		m.mu.Unlock()
		return m.await(ctx, zc)
	}

	zc = &Context{
		ZoneID: zoneID,
		Evaluator: geofence.NewEvaluator(m.cfg.Geofence, geofence.Deps{
			Listener: m.deps.Listener,
			Notifier: m.deps.Notifier,
			Logger:   m.logger.With("zone_id", zoneID),
			Metrics:  m.deps.Metrics,
		}),
		refs:  1,
		ready: make(chan struct{}),
	}
	m.zones[zoneID] = zc
	m.mu.Unlock()

	go m.populate(context.WithoutCancel(ctx), zc)
	return m.await(ctx, zc)
}

func (m *Manager) await(ctx context.Context, zc *Context) (*Context, error) {
	select {
	case <-zc.ready:
		return zc, nil
	case <-ctx.Done():
		m.Release(zc.ZoneID)
		return nil, errors.Wrap(ctx.Err(), "Manager", "Acquire", "wait for zone load")
	}
}

func (m *Manager) populate(ctx context.Context, zc *Context) {
	defer close(zc.ready)

	if m.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.LoadTimeout)
		defer cancel()
	}

	triggers, err := m.load(ctx, zc.ZoneID)
	if err != nil {
		m.logger.Warn("zone load failed, streaming without triggers", "zone_id", zc.ZoneID, "error", err)
		return
	}
	for _, t := range triggers {
		zc.Evaluator.Add(t)
	}
	m.logger.Info("zone loaded", "zone_id", zc.ZoneID, "triggers", len(triggers))
}

// Release drops one reference and discards the zone when none remain.
func (m *Manager) Release(zoneID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zc, ok := m.zones[zoneID]
	if !ok {
		return
	}
	zc.refs--
	if zc.refs <= 0 {
		delete(m.zones, zoneID)
		m.logger.Debug("zone released", "zone_id", zoneID)
	}
}

// Loaded returns the ids of loaded zones in ascending order.
func (m *Manager) Loaded() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.zones))
	for id := range m.zones {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Refs returns the holder count of a zone, zero when it is not loaded.
func (m *Manager) Refs(zoneID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if zc, ok := m.zones[zoneID]; ok {
		return zc.refs
	}
	return 0
}

// Sweep forgets idle subject state in every loaded zone.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	zones := make([]*Context, 0, len(m.zones))
	for _, zc := range m.zones {
		zones = append(zones, zc)
	}
	m.mu.Unlock()

	removed := 0
	for _, zc := range zones {
		select {
		case <-zc.ready:
			removed += zc.Evaluator.Sweep()
		default:
		}
	}
	return removed
}

// load builds the zone's triggers. A trigger whose regions cannot be read
// is skipped; a failure listing the zone's triggers fails the whole load.
func (m *Manager) load(ctx context.Context, zoneID int) ([]*geofence.Trigger, error) {
	summaries, err := withRetry(ctx, m.cfg.Retry, func() ([]store.TriggerSummary, error) {
		return m.deps.Store.TriggersByZone(ctx, zoneID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "load", "list triggers")
	}

	allowlists := make(map[string][]string)
	triggers := make([]*geofence.Trigger, 0, len(summaries))
	for _, s := range summaries {
		t, err := m.build(ctx, s)
		if err != nil {
			m.logger.Warn("skipping trigger", "zone_id", zoneID, "trigger_id", s.ID, "error", err)
			continue
		}
		if s.IgnoreUnknown {
			ids, ok := allowlists[s.SubjectType]
			if !ok {
				ids, err = m.knownSubjects(ctx, s.SubjectType)
				if err != nil {
					m.logger.Warn("skipping trigger", "zone_id", zoneID, "trigger_id", s.ID, "error", err)
					continue
				}
				allowlists[s.SubjectType] = ids
			}
			t.SetKnownSubjects(ids)
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}

func (m *Manager) build(ctx context.Context, s store.TriggerSummary) (*geofence.Trigger, error) {
	var t *geofence.Trigger
	if s.Portable {
		t = geofence.NewPortableTrigger(s.ID, s.Name, s.Direction, s.AssignedTag, s.Radius, s.ZMin, s.ZMax)
	} else {
		regions, err := withRetry(ctx, m.cfg.Retry, func() ([]geofence.Region, error) {
			return m.deps.Store.TriggerRegions(ctx, s.ID)
		})
		if err != nil {
			return nil, errors.Wrap(err, "Manager", "build", "load regions")
		}
		t = &geofence.Trigger{
			ID:        s.ID,
			Name:      s.Name,
			Direction: s.Direction,
			Regions:   regions,
		}
	}
	t.ZoneID = s.ZoneID
	t.IgnoreUnknown = s.IgnoreUnknown
	return t, nil
}

func (m *Manager) knownSubjects(ctx context.Context, deviceType string) ([]string, error) {
	devices, err := withRetry(ctx, m.cfg.Retry, func() ([]store.Device, error) {
		return m.deps.Store.DevicesByType(ctx, deviceType)
	})
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "knownSubjects", "load devices")
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	return ids, nil
}

// withRetry retries transient store errors and gives up at once on others.
func withRetry[T any](ctx context.Context, cfg retry.Config, fn func() (T, error)) (T, error) {
	return retry.DoWithResult(ctx, cfg, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.IsTransient(err) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
}
