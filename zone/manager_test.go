package zone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/geofence"
	"github.com/c360/rtlstream/pkg/retry"
	"github.com/c360/rtlstream/store"
)

type fakeStore struct {
	mu            sync.Mutex
	triggers      map[int][]store.TriggerSummary
	regions       map[int][]geofence.Region
	devices       map[string][]store.Device
	transientLeft int
	listErr       error
	regionErr     map[int]error
	listCalls     int
}

func (f *fakeStore) DevicesByType(_ context.Context, deviceType string) ([]store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[deviceType], nil
}

func (f *fakeStore) TriggersByZone(_ context.Context, zoneID int) ([]store.TriggerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.transientLeft > 0 {
		f.transientLeft--
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "fakeStore", "TriggersByZone", "query")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.triggers[zoneID], nil
}

func (f *fakeStore) TriggerRegions(_ context.Context, triggerID int) ([]geofence.Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.regionErr[triggerID]; err != nil {
		return nil, err
	}
	return f.regions[triggerID], nil
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

func seededStore() *fakeStore {
	return &fakeStore{
		triggers: map[int][]store.TriggerSummary{
			7: {
				{ID: 1, Name: "dock", ZoneID: 7, Direction: geofence.OnEnter},
				{ID: 2, Name: "staff only", ZoneID: 7, Direction: geofence.WhileIn, IgnoreUnknown: true, SubjectType: "worker"},
				{ID: 3, Name: "forklift halo", ZoneID: 7, Direction: geofence.OnEnter, Portable: true, AssignedTag: "fork-1", Radius: 2, ZMin: 0, ZMax: 4},
			},
		},
		regions: map[int][]geofence.Region{
			1: {{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10, MinZ: 0, MaxZ: 10}},
			2: {{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10, MinZ: 0, MaxZ: 10}},
		},
		devices: map[string][]store.Device{
			"worker": {{ID: "w-1", Type: "worker"}},
		},
	}
}

type recorder struct {
	mu    sync.Mutex
	fired []geofence.Firing
}

func (r *recorder) OnFired(_ context.Context, f geofence.Firing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, f)
}

func TestManager_LoadsZoneTriggers(t *testing.T) {
	fs := seededStore()
	rec := &recorder{}
	m := NewManager(fastConfig(), Deps{Store: fs, Listener: rec})

	zc, err := m.Acquire(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, zc.Evaluator.TriggerIDs())

	// w-1 is on the allowlist of trigger 2; the visitor is not.
	firings, err := zc.Evaluator.Evaluate(context.Background(), geofence.Position{SubjectID: "w-1", X: 5, Y: 5, Z: 5})
	require.NoError(t, err)
	assert.Len(t, firings, 2)

	firings, err = zc.Evaluator.Evaluate(context.Background(), geofence.Position{SubjectID: "visitor", X: 5, Y: 5, Z: 5})
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, 1, firings[0].TriggerID)
	assert.Equal(t, 7, firings[0].ZoneID)

	rec.mu.Lock()
	assert.Len(t, rec.fired, 3)
	rec.mu.Unlock()
}

func TestManager_RefCounting(t *testing.T) {
	fs := seededStore()
	m := NewManager(fastConfig(), Deps{Store: fs})
	ctx := context.Background()

	a, err := m.Acquire(ctx, 7)
	require.NoError(t, err)
	b, err := m.Acquire(ctx, 7)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, m.Refs(7))
	assert.Equal(t, 1, fs.calls())

	m.Release(7)
	assert.Equal(t, []int{7}, m.Loaded())
	m.Release(7)
	assert.Empty(t, m.Loaded())
	m.Release(7) // unknown zone is a no-op

	c, err := m.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, fs.calls())
}

func TestManager_ConcurrentAcquireLoadsOnce(t *testing.T) {
	fs := seededStore()
	m := NewManager(fastConfig(), Deps{Store: fs})

	var wg sync.WaitGroup
	results := make([]*Context, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			zc, err := m.Acquire(context.Background(), 7)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			results[i] = zc
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fs.calls())
	assert.Equal(t, 16, m.Refs(7))
	for _, zc := range results {
		assert.Same(t, results[0], zc)
		assert.Equal(t, 3, zc.Evaluator.Len())
	}
}

func TestManager_RetriesTransientErrors(t *testing.T) {
	fs := seededStore()
	fs.transientLeft = 2
	m := NewManager(fastConfig(), Deps{Store: fs})

	zc, err := m.Acquire(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, zc.Evaluator.Len())
	assert.Equal(t, 3, fs.calls())
}

func TestManager_LoadFailureLeavesZoneEmpty(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*fakeStore)
		wantCalls int
	}{
		{
			name:      "transient errors exhaust retries",
			configure: func(fs *fakeStore) { fs.transientLeft = 10 },
			wantCalls: 3,
		},
		{
			name:      "permanent error is not retried",
			configure: func(fs *fakeStore) { fs.listErr = errors.ErrInvalidData },
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := seededStore()
			tt.configure(fs)
			m := NewManager(fastConfig(), Deps{Store: fs})

			zc, err := m.Acquire(context.Background(), 7)
			require.NoError(t, err)
			assert.Zero(t, zc.Evaluator.Len())
			assert.Equal(t, tt.wantCalls, fs.calls())
		})
	}
}

func TestManager_SkipsTriggerWithUnreadableRegions(t *testing.T) {
	fs := seededStore()
	fs.regionErr = map[int]error{1: errors.ErrNotFound}
	m := NewManager(fastConfig(), Deps{Store: fs})

	zc, err := m.Acquire(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, zc.Evaluator.TriggerIDs())
}

func TestManager_InvalidStoredTriggerStillLoads(t *testing.T) {
	fs := seededStore()
	fs.triggers[8] = []store.TriggerSummary{
		{ID: 9, Name: "no regions", ZoneID: 8, Direction: geofence.OnEnter},
		{ID: 10, Name: "ok", ZoneID: 8, Direction: geofence.WhileIn},
	}
	fs.regions[10] = []geofence.Region{{MinX: -1, MaxX: 1, MinY: -1, MaxY: 1, MinZ: -1, MaxZ: 1}}
	m := NewManager(fastConfig(), Deps{Store: fs})

	zc, err := m.Acquire(context.Background(), 8)
	require.NoError(t, err)

	firings, err := zc.Evaluator.Evaluate(context.Background(), geofence.Position{SubjectID: "s", X: 0, Y: 0, Z: 0})
	assert.True(t, errors.Is(err, errors.ErrInvalidTrigger))
	require.Len(t, firings, 1)
	assert.Equal(t, 10, firings[0].TriggerID)
}

func TestManager_Sweep(t *testing.T) {
	fs := seededStore()
	cfg := fastConfig()
	cfg.Geofence.SubjectStateTTL = time.Nanosecond
	m := NewManager(cfg, Deps{Store: fs})

	zc, err := m.Acquire(context.Background(), 7)
	require.NoError(t, err)
	_, err = zc.Evaluator.Evaluate(context.Background(), geofence.Position{SubjectID: "s", X: 5, Y: 5, Z: 5})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	assert.Positive(t, m.Sweep())
}

// gatedStore holds TriggersByZone until gate closes or ctx ends.
type gatedStore struct {
	*fakeStore
	started chan struct{}
	gate    chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{fakeStore: seededStore(), started: make(chan struct{}, 1), gate: make(chan struct{})}
}

func (g *gatedStore) TriggersByZone(ctx context.Context, zoneID int) ([]store.TriggerSummary, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.fakeStore.TriggersByZone(ctx, zoneID)
}

func TestManager_LoadOutlivesFirstCaller(t *testing.T) {
	gs := newGatedStore()
	m := NewManager(fastConfig(), Deps{Store: gs})

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(firstCtx, 7)
		firstErr <- err
	}()
	select {
	case <-gs.started:
	case <-time.After(time.Second):
		t.Fatal("zone load did not start")
	}

	second := make(chan *Context, 1)
	go func() {
		zc, err := m.Acquire(context.Background(), 7)
		if err != nil {
			t.Errorf("second Acquire: %v", err)
		}
		second <- zc
	}()
	require.Eventually(t, func() bool { return m.Refs(7) == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return")
	}
	close(gs.gate)

	select {
	case zc := <-second:
		require.NotNil(t, zc)
		assert.Equal(t, 3, zc.Evaluator.Len(), "the waiting holder still gets the zone's triggers")
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not return")
	}
	assert.Equal(t, 1, m.Refs(7))
	assert.Equal(t, 1, gs.calls())
}

func TestManager_LoadTimeout(t *testing.T) {
	gs := newGatedStore()
	cfg := fastConfig()
	cfg.LoadTimeout = 20 * time.Millisecond
	m := NewManager(cfg, Deps{Store: gs})

	start := time.Now()
	zc, err := m.Acquire(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, zc.Evaluator.Len())
	assert.Less(t, time.Since(start), time.Second)
}
