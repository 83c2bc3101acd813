package geofence

import (
	"fmt"

	"github.com/c360/rtlstream/errors"
)

// Trigger is a named geofence predicate. Containment state per subject lives
// on the trigger for its lifetime and is only touched through an Evaluator.
type Trigger struct {
	ID            int
	Name          string
	ZoneID        int
	Direction     Direction
	Regions       RegionSet
	IgnoreUnknown bool

	// Portable triggers follow AssignedTag. Their region is a single box of
	// half-width Radius spanning ZMin..ZMax, re-centered on each update for the tag.
	Portable    bool
	AssignedTag string
	Radius      float64
	ZMin        float64
	ZMax        float64

	known  map[string]struct{}
	states *subjectStates
}

// NewPortableTrigger builds a tag-following trigger whose box starts centered on the origin.
func NewPortableTrigger(id int, name string, dir Direction, tag string, radius, zMin, zMax float64) *Trigger {
	return &Trigger{
		ID:          id,
		Name:        name,
		Direction:   dir,
		Regions:     RegionSet{Box(0, 0, radius, zMin, zMax)},
		Portable:    true,
		AssignedTag: tag,
		Radius:      radius,
		ZMin:        zMin,
		ZMax:        zMax,
	}
}

// Validate reports ErrInvalidTrigger when the trigger cannot be evaluated.
func (t *Trigger) Validate() error {
	if t.Direction == NotSet {
		return errors.WrapInvalid(fmt.Errorf("trigger %d: %w: direction not set", t.ID, errors.ErrInvalidTrigger),
			"Trigger", "Validate", "check direction")
	}
	if len(t.Regions) == 0 {
		return errors.WrapInvalid(fmt.Errorf("trigger %d: %w: no regions", t.ID, errors.ErrInvalidTrigger),
			"Trigger", "Validate", "check regions")
	}
	if t.Portable && t.AssignedTag == "" {
		return errors.WrapInvalid(fmt.Errorf("trigger %d: %w: portable without tag", t.ID, errors.ErrInvalidTrigger),
			"Trigger", "Validate", "check assigned tag")
	}
	return nil
}

// SetKnownSubjects replaces the allowlist consulted when IgnoreUnknown is set.
func (t *Trigger) SetKnownSubjects(ids []string) {
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	t.known = known
}

// Knows reports whether the subject is on the allowlist.
func (t *Trigger) Knows(subject string) bool {
	_, ok := t.known[subject]
	return ok
}

func (t *Trigger) String() string {
	return fmt.Sprintf("trigger %d %q (%s)", t.ID, t.Name, t.Direction)
}
