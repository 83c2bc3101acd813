package session

import (
	"fmt"

	"github.com/c360/rtlstream/errors"
)

// Kind is the resource a session streams.
type Kind string

const (
	// KindTags streams the subjects named in BeginStream.
	KindTags Kind = "tags"
	// KindZone streams every position and trigger event of one zone.
	KindZone Kind = "zone"
	// KindAll streams every position and trigger event.
	KindAll Kind = "all"
	// KindGateway is a producer pushing positions in.
	KindGateway Kind = "gateway"
)

// ParseKind validates a resource name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTags, KindZone, KindAll, KindGateway:
		return k, nil
	}
	return "", errors.WrapInvalid(fmt.Errorf("%w: unknown resource %q", errors.ErrInvalidData, s),
		"Session", "ParseKind", "parse resource kind")
}

// State is the session lifecycle state.
type State int32

const (
	StateAccepted State = iota
	StateHandshaking
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
