// Package notify publishes trigger firings to external buses. Publishing is
// best effort: failures are returned to the caller for logging and never
// roll back a firing.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/geofence"
	"github.com/c360/rtlstream/protocol"
)

// Publisher sends a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Nop discards everything.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, []byte) error { return nil }

// Multi publishes to every backend and joins their errors.
type Multi []Publisher

// Publish implements Publisher. Every backend is attempted.
func (m Multi) Publish(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultSubjectPrefix is used when TriggerNotifier has no prefix.
const DefaultSubjectPrefix = "rtls.triggers"

// TriggerNotifier adapts a Publisher to geofence.Notifier. Firings are sent
// as JSON-envelope TriggerEvents on "<prefix>.<zone_id>.<trigger_id>".
type TriggerNotifier struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
	metrics   *Metrics
}

var _ geofence.Notifier = (*TriggerNotifier)(nil)

// NewTriggerNotifier creates a notifier. A nil publisher yields Nop.
func NewTriggerNotifier(p Publisher, prefix string, logger *slog.Logger, metrics *Metrics) *TriggerNotifier {
	if p == nil {
		p = Nop{}
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &TriggerNotifier{publisher: p, prefix: prefix, logger: logger, metrics: metrics}
}

// Subject returns the topic a firing is published on.
func (n *TriggerNotifier) Subject(f geofence.Firing) string {
	return n.prefix + "." + strconv.Itoa(f.ZoneID) + "." + strconv.Itoa(f.TriggerID)
}

// Notify implements geofence.Notifier.
func (n *TriggerNotifier) Notify(ctx context.Context, f geofence.Firing) error {
	payload, err := protocol.JSONCodec{}.Encode(EventFromFiring(f))
	if err != nil {
		n.metrics.record("failed")
		return errors.Wrap(err, "TriggerNotifier", "Notify", "encode event")
	}
	if err := n.publisher.Publish(ctx, n.Subject(f), payload); err != nil {
		n.metrics.record("failed")
		return errors.WrapTransient(err, "TriggerNotifier", "Notify", fmt.Sprintf("publish trigger %d", f.TriggerID))
	}
	n.metrics.record("published")
	n.logger.Debug("trigger published", "trigger_id", f.TriggerID, "subject_id", f.Position.SubjectID)
	return nil
}

// EventFromFiring converts a firing to its wire form.
func EventFromFiring(f geofence.Firing) protocol.TriggerEvent {
	return protocol.TriggerEvent{
		TriggerID:   f.TriggerID,
		TriggerName: f.TriggerName,
		ZoneID:      f.ZoneID,
		Direction:   f.Direction.String(),
		SubjectID:   f.Position.SubjectID,
		X:           f.Position.X,
		Y:           f.Position.Y,
		Z:           f.Position.Z,
		Timestamp:   f.Position.Timestamp.UnixMilli(),
	}
}
