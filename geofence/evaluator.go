package geofence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/rtlstream/errors"
)

// Position is the part of a position report the evaluator needs.
type Position struct {
	SubjectID string
	X, Y, Z   float64
	Timestamp time.Time
}

// Firing describes one trigger firing for one subject.
type Firing struct {
	TriggerID   int
	TriggerName string
	ZoneID      int
	Direction   Direction
	Previous    State
	Current     State
	Position    Position
	FiredAt     time.Time
}

// Listener receives firings in the order they were decided.
type Listener interface {
	OnFired(ctx context.Context, f Firing)
}

// Notifier is the best-effort external side effect of a firing. Errors are
// logged and never undo the state change.
type Notifier interface {
	Notify(ctx context.Context, f Firing) error
}

// Config controls evaluator policy.
type Config struct {
	// RaiseOnFirstEncounter lets transitional triggers fire on the first
	// observation of a subject (prior state Unknown).
	RaiseOnFirstEncounter bool
	// SubjectStateMax bounds remembered subjects per trigger. Zero is unbounded.
	SubjectStateMax int
	// SubjectStateTTL forgets subjects idle this long. Zero keeps them forever.
	SubjectStateTTL time.Duration
}

// DefaultConfig raises on first encounter and bounds state to 10000 subjects idle for at most an hour.
func DefaultConfig() Config {
	return Config{
		RaiseOnFirstEncounter: true,
		SubjectStateMax:       10000,
		SubjectStateTTL:       time.Hour,
	}
}

// Deps are the evaluator's collaborators. All are optional.
type Deps struct {
	Listener Listener
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *Metrics
	Now      func() time.Time
}

// Evaluator owns a set of triggers and serializes every check against them,
// so one evaluator per zone context is safe to drive from many sessions.
type Evaluator struct {
	mu       sync.Mutex
	cfg      Config
	triggers map[int]*Trigger

	listener Listener
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator(cfg Config, deps Deps) *Evaluator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "geofence")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		cfg:      cfg,
		triggers: make(map[int]*Trigger),
		listener: deps.Listener,
		notifier: deps.Notifier,
		logger:   logger,
		metrics:  deps.Metrics,
		now:      now,
	}
}

// Add registers a trigger, replacing any trigger with the same id. Invalid
// triggers are accepted and fail on evaluation.
func (e *Evaluator) Add(t *Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.states == nil {
		t.states = newSubjectStates(e.cfg, e.now, e.metrics)
	}
	e.triggers[t.ID] = t
}

// Remove drops a trigger and its subject state.
func (e *Evaluator) Remove(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.triggers[id]
	delete(e.triggers, id)
	return ok
}

// Len returns the number of triggers.
func (e *Evaluator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.triggers)
}

// TriggerIDs returns the trigger ids in ascending order.
func (e *Evaluator) TriggerIDs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedIDs()
}

func (e *Evaluator) sortedIDs() []int {
	ids := make([]int, 0, len(e.triggers))
	for id := range e.triggers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// StateOf returns the remembered state of subject for trigger id.
func (e *Evaluator) StateOf(id int, subject string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok || t.states == nil {
		return Unknown
	}
	return t.states.get(subject)
}

// Check evaluates one trigger against one position. A portable trigger
// assigned to the subject is re-centered first. The trigger need not be
// registered with Add.
func (e *Evaluator) Check(ctx context.Context, t *Trigger, pos Position) (bool, error) {
	e.mu.Lock()
	if err := t.Validate(); err != nil {
		e.mu.Unlock()
		e.metrics.recordError()
		return false, err
	}
	if t.states == nil {
		t.states = newSubjectStates(e.cfg, e.now, e.metrics)
	}
	reposition(t, pos)
	f, fired := e.check(t, pos, e.now())
	e.mu.Unlock()

	if fired {
		e.dispatch(ctx, []Firing{f})
	}
	return fired, nil
}

// Evaluate runs every trigger against pos. All portable triggers assigned
// to the subject move before any containment test. Invalid triggers are
// skipped and reported in the joined error; the remaining triggers are still
// evaluated.
func (e *Evaluator) Evaluate(ctx context.Context, pos Position) ([]Firing, error) {
	now := e.now()

	e.mu.Lock()
	ids := e.sortedIDs()
	for _, id := range ids {
		reposition(e.triggers[id], pos)
	}

	var firings []Firing
	var errs []error
	for _, id := range ids {
		t := e.triggers[id]
		if err := t.Validate(); err != nil {
			e.metrics.recordError()
			errs = append(errs, err)
			continue
		}
		if f, fired := e.check(t, pos, now); fired {
			firings = append(firings, f)
		}
	}
	e.mu.Unlock()

	e.dispatch(ctx, firings)
	return firings, errors.Join(errs...)
}

// Sweep drops subject state idle longer than the configured TTL.
func (e *Evaluator) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for _, t := range e.triggers {
		if t.states != nil {
			removed += t.states.sweep()
		}
	}
	return removed
}

func reposition(t *Trigger, pos Position) {
	if t.Portable && t.AssignedTag != "" && pos.SubjectID == t.AssignedTag {
		t.Regions.MoveTo(pos.X, pos.Y, pos.Z)
	}
}

// check applies the direction rules. Caller holds e.mu and has validated t.
func (e *Evaluator) check(t *Trigger, pos Position, now time.Time) (Firing, bool) {
	if t.IgnoreUnknown && !t.Knows(pos.SubjectID) {
		return Firing{}, false
	}
	e.metrics.recordEvaluation()

	current := Outside
	if t.Regions.Contains(pos.X, pos.Y, pos.Z) {
		current = Inside
	}

	previous := Unknown
	if t.Direction.Transitional() {
		previous = t.states.get(pos.SubjectID)
		t.states.set(pos.SubjectID, current)
	}

	var fire bool
	switch t.Direction {
	case OnCross:
		fire = current != previous
	case OnEnter:
		fire = current != previous && current == Inside
	case OnExit:
		fire = current != previous && current == Outside
	case WhileIn:
		fire = current == Inside
	case WhileOut:
		fire = current == Outside
	}

	if fire && t.Direction.Transitional() && previous == Unknown && !e.cfg.RaiseOnFirstEncounter {
		fire = false
	}
	if !fire {
		return Firing{}, false
	}

	return Firing{
		TriggerID:   t.ID,
		TriggerName: t.Name,
		ZoneID:      t.ZoneID,
		Direction:   t.Direction,
		Previous:    previous,
		Current:     current,
		Position:    pos,
		FiredAt:     now,
	}, true
}

func (e *Evaluator) dispatch(ctx context.Context, firings []Firing) {
	for _, f := range firings {
		e.metrics.recordFired(f.Direction)
		e.logger.Debug("trigger fired",
			"trigger_id", f.TriggerID,
			"subject_id", f.Position.SubjectID,
			"direction", f.Direction.String())

		if e.listener != nil {
			e.listener.OnFired(ctx, f)
		}
		if e.notifier != nil {
			if err := e.notifier.Notify(ctx, f); err != nil {
				e.metrics.recordNotifyFailure()
				e.logger.Warn("trigger notification failed",
					"trigger_id", f.TriggerID,
					"subject_id", f.Position.SubjectID,
					"error", err)
			}
		}
	}
}
