package geofence

import (
	"fmt"
	"strings"
)

// Direction selects which containment change makes a trigger fire.
type Direction int

const (
	NotSet Direction = iota
	WhileIn
	WhileOut
	OnCross
	OnEnter
	OnExit
)

var directionNames = [...]string{
	NotSet:   "not_set",
	WhileIn:  "while_in",
	WhileOut: "while_out",
	OnCross:  "on_cross",
	OnEnter:  "on_enter",
	OnExit:   "on_exit",
}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// Transitional reports whether the direction fires on state changes rather
// than on every observation.
func (d Direction) Transitional() bool {
	return d == OnCross || d == OnEnter || d == OnExit
}

// ParseDirection accepts the snake_case names used in storage and config,
// as well as the CamelCase names used on the wire.
func ParseDirection(s string) (Direction, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for d, name := range directionNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return Direction(d), nil
		}
	}
	return NotSet, fmt.Errorf("unknown trigger direction %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// State is the last known containment of a subject relative to a trigger.
type State int

const (
	Unknown State = iota
	Inside
	Outside
)

func (s State) String() string {
	switch s {
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	default:
		return "unknown"
	}
}
