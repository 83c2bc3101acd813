package geofence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtlserrors "github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/metric"
)

type recordingListener struct {
	mu    sync.Mutex
	fired []Firing
}

func (l *recordingListener) OnFired(_ context.Context, f Firing) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired = append(l.fired, f)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fired)
}

type failingNotifier struct{ calls int }

func (n *failingNotifier) Notify(context.Context, Firing) error {
	n.calls++
	return errors.New("bus down")
}

func cube(lo, hi float64) RegionSet {
	return RegionSet{{MinX: lo, MaxX: hi, MinY: lo, MaxY: hi, MinZ: lo, MaxZ: hi}}
}

func pos(id string, x, y, z float64) Position {
	return Position{SubjectID: id, X: x, Y: y, Z: z}
}

func TestEvaluator_OnEnterScenario(t *testing.T) {
	listener := &recordingListener{}
	e := NewEvaluator(DefaultConfig(), Deps{Listener: listener})
	trig := &Trigger{ID: 1, Name: "T1", Direction: OnEnter, Regions: cube(0, 10)}

	ctx := context.Background()
	var fires []bool
	for _, p := range []Position{pos("S1", 5, 5, 5), pos("S1", 20, 20, 5), pos("S1", 5, 5, 5)} {
		fired, err := e.Check(ctx, trig, p)
		require.NoError(t, err)
		fires = append(fires, fired)
	}

	assert.Equal(t, []bool{true, false, true}, fires)
	assert.Equal(t, 2, listener.count())
}

func TestEvaluator_DirectionRules(t *testing.T) {
	// in, in, out, out, in
	path := []Position{
		pos("s", 5, 5, 5), pos("s", 6, 6, 6), pos("s", 50, 5, 5), pos("s", 60, 5, 5), pos("s", 1, 1, 1),
	}

	tests := []struct {
		dir  Direction
		want []bool
	}{
		{OnEnter, []bool{true, false, false, false, true}},
		{OnExit, []bool{false, false, true, false, false}},
		{OnCross, []bool{true, false, true, false, true}},
		{WhileIn, []bool{true, true, false, false, true}},
		{WhileOut, []bool{false, false, true, true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.dir.String(), func(t *testing.T) {
			e := NewEvaluator(DefaultConfig(), Deps{})
			trig := &Trigger{ID: 7, Direction: tt.dir, Regions: cube(0, 10)}

			var got []bool
			for _, p := range path {
				fired, err := e.Check(context.Background(), trig, p)
				require.NoError(t, err)
				got = append(got, fired)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_FirstEncounterSuppressed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RaiseOnFirstEncounter = false

	for _, dir := range []Direction{OnEnter, OnExit, OnCross} {
		for _, first := range []Position{pos("new", 5, 5, 5), pos("new", 50, 50, 50)} {
			e := NewEvaluator(cfg, Deps{})
			trig := &Trigger{ID: 1, Direction: dir, Regions: cube(0, 10)}

			fired, err := e.Check(context.Background(), trig, first)
			require.NoError(t, err)
			assert.False(t, fired, "%s must not fire on first encounter", dir)
			assert.NotEqual(t, Unknown, trig.states.get("new"), "state is still recorded")
		}
	}

	// The second observation fires normally
	e := NewEvaluator(cfg, Deps{})
	trig := &Trigger{ID: 1, Direction: OnEnter, Regions: cube(0, 10)}
	_, _ = e.Check(context.Background(), trig, pos("s", 50, 50, 50))
	fired, _ := e.Check(context.Background(), trig, pos("s", 5, 5, 5))
	assert.True(t, fired)
}

func TestEvaluator_EnterExitParity(t *testing.T) {
	e := NewEvaluator(DefaultConfig(), Deps{})
	enter := &Trigger{ID: 1, Direction: OnEnter, Regions: cube(0, 10)}
	exit := &Trigger{ID: 2, Direction: OnExit, Regions: cube(0, 10)}

	xs := []float64{5, 20, 21, 3, 4, 40, 2, 80, 90, 1}
	enters, exits := 0, 0
	for _, x := range xs {
		p := pos("s", x, 5, 5)
		if f, _ := e.Check(context.Background(), enter, p); f {
			enters++
		}
		if f, _ := e.Check(context.Background(), exit, p); f {
			exits++
		}
	}
	diff := enters - exits
	assert.True(t, diff == 0 || diff == 1, "enters=%d exits=%d", enters, exits)
}

func TestEvaluator_InvalidTrigger(t *testing.T) {
	e := NewEvaluator(DefaultConfig(), Deps{})

	tests := []struct {
		name string
		trig *Trigger
	}{
		{"direction not set", &Trigger{ID: 1, Regions: cube(0, 1)}},
		{"no regions", &Trigger{ID: 2, Direction: OnEnter}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fired, err := e.Check(context.Background(), tt.trig, pos("s", 0, 0, 0))
			assert.False(t, fired)
			require.Error(t, err)
			assert.ErrorIs(t, err, rtlserrors.ErrInvalidTrigger)
			assert.True(t, rtlserrors.IsInvalid(err))
		})
	}
}

func TestEvaluator_IgnoreUnknownSubjects(t *testing.T) {
	e := NewEvaluator(DefaultConfig(), Deps{})
	trig := &Trigger{ID: 1, Direction: WhileIn, Regions: cube(0, 10), IgnoreUnknown: true}
	trig.SetKnownSubjects([]string{"known"})

	fired, err := e.Check(context.Background(), trig, pos("stranger", 5, 5, 5))
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = e.Check(context.Background(), trig, pos("known", 5, 5, 5))
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestEvaluator_NotifierFailureIsNonFatal(t *testing.T) {
	notifier := &failingNotifier{}
	e := NewEvaluator(DefaultConfig(), Deps{Notifier: notifier})
	trig := &Trigger{ID: 1, Direction: OnEnter, Regions: cube(0, 10)}

	fired, err := e.Check(context.Background(), trig, pos("s", 5, 5, 5))
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, Inside, trig.states.get("s"))
}

func TestEvaluator_PortableRepositionsBeforeContainment(t *testing.T) {
	e := NewEvaluator(DefaultConfig(), Deps{})
	guard := NewPortableTrigger(9, "near-forklift", OnEnter, "forklift", 5, 0, 10)
	other := &Trigger{ID: 3, Direction: WhileIn, Regions: cube(-1, 1)}
	e.Add(guard)
	e.Add(other)

	// The forklift moves to (100,100); its own update is inside its own box
	firings, err := e.Evaluate(context.Background(), pos("forklift", 100, 100, 5))
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, 9, firings[0].TriggerID)

	// A worker near the new location enters, one at the old origin does not
	firings, err = e.Evaluate(context.Background(), pos("worker", 103, 98, 2))
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, "worker", firings[0].Position.SubjectID)

	firings, err = e.Evaluate(context.Background(), pos("bystander", 0, 0, 0.5))
	require.NoError(t, err)
	require.Len(t, firings, 1, "only the fixed trigger fires at the origin")
	assert.Equal(t, 3, firings[0].TriggerID)
}

func TestEvaluator_EvaluateSkipsInvalidTriggers(t *testing.T) {
	listener := &recordingListener{}
	e := NewEvaluator(DefaultConfig(), Deps{Listener: listener})
	e.Add(&Trigger{ID: 1, Direction: NotSet, Regions: cube(0, 10)})
	e.Add(&Trigger{ID: 2, Direction: WhileIn, Regions: cube(0, 10)})
	e.Add(&Trigger{ID: 3, Direction: OnEnter})

	firings, err := e.Evaluate(context.Background(), pos("s", 5, 5, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, rtlserrors.ErrInvalidTrigger)
	require.Len(t, firings, 1)
	assert.Equal(t, 2, firings[0].TriggerID)
	assert.Equal(t, 1, listener.count())

	assert.Equal(t, []int{1, 2, 3}, e.TriggerIDs())
	assert.True(t, e.Remove(1))
	assert.False(t, e.Remove(1))
	assert.Equal(t, 2, e.Len())
}

func TestEvaluator_SubjectStateBounded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	metrics := NewMetrics(metric.NewMetricsRegistry())
	e := NewEvaluator(Config{RaiseOnFirstEncounter: true, SubjectStateMax: 2, SubjectStateTTL: time.Minute},
		Deps{Now: clock, Metrics: metrics})
	trig := &Trigger{ID: 1, Direction: OnEnter, Regions: cube(0, 10)}
	e.Add(trig)

	for _, id := range []string{"a", "b", "c"} {
		_, err := e.Evaluate(context.Background(), pos(id, 5, 5, 5))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, trig.states.len())
	assert.Equal(t, Unknown, e.StateOf(1, "a"), "least recently seen subject is evicted")
	assert.Equal(t, Inside, e.StateOf(1, "c"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.evictions))

	now = now.Add(30 * time.Second)
	_, err := e.Evaluate(context.Background(), pos("b", 50, 50, 50))
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, e.Sweep(), "only the subject idle past the TTL is dropped")
	assert.Equal(t, Unknown, e.StateOf(1, "c"))
	assert.Equal(t, Outside, e.StateOf(1, "b"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, e.Sweep())
	assert.Equal(t, 0, trig.states.len())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.evictions))
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		in   string
		want Direction
		err  bool
	}{
		{"on_enter", OnEnter, false},
		{"OnExit", OnExit, false},
		{"WHILE_IN", WhileIn, false},
		{"whileout", WhileOut, false},
		{"on_cross", OnCross, false},
		{"sideways", NotSet, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDirection(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
