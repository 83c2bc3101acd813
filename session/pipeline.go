package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/rtlstream/geofence"
	"github.com/c360/rtlstream/notify"
	"github.com/c360/rtlstream/protocol"
	"github.com/c360/rtlstream/registry"
	"github.com/c360/rtlstream/store"
	"github.com/c360/rtlstream/zone"
)

// HistoryAppender queues a position for the history sink without blocking.
type HistoryAppender interface {
	Append(rec store.PositionRecord) bool
}

// Pipeline is the position path shared by socket sessions and bus ingest:
// append history, evaluate the zone's triggers, then route the update.
// It is also the evaluators' Listener, routing trigger events to subscribers.
type Pipeline struct {
	registry *registry.Registry
	history  HistoryAppender
	logger   *slog.Logger
	now      func() time.Time
}

var _ geofence.Listener = (*Pipeline)(nil)

// NewPipeline creates a pipeline. history may be nil.
func NewPipeline(reg *registry.Registry, history HistoryAppender, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default().With("component", "pipeline")
	}
	return &Pipeline{registry: reg, history: history, logger: logger, now: time.Now}
}

// Process handles one position report. zc may be nil when the position has
// no zone context. Returns the number of subscribers the update reached.
func (p *Pipeline) Process(ctx context.Context, zc *zone.Context, g protocol.GISData) int {
	if g.Timestamp == 0 {
		g.Timestamp = p.now().UnixMilli()
	}
	if g.ZoneID == 0 && zc != nil {
		g.ZoneID = zc.ZoneID
	}

	if p.history != nil {
		p.history.Append(store.PositionRecord{
			SubjectID:  g.ID,
			Timestamp:  time.UnixMilli(g.Timestamp),
			X:          g.X,
			Y:          g.Y,
			Z:          g.Z,
			Confidence: g.CNF,
			GatewayID:  g.GatewayID,
			Battery:    g.Battery,
		})
	}

	if zc != nil {
		pos := geofence.Position{
			SubjectID: g.ID,
			X:         g.X,
			Y:         g.Y,
			Z:         g.Z,
			Timestamp: time.UnixMilli(g.Timestamp),
		}
		if _, err := zc.Evaluator.Evaluate(ctx, pos); err != nil {
			p.logger.Debug("skipped invalid triggers", "zone_id", zc.ZoneID, "subject_id", g.ID, "error", err)
		}
	}

	return p.registry.RoutePositionUpdate(ctx, g)
}

// OnFired implements geofence.Listener.
func (p *Pipeline) OnFired(ctx context.Context, f geofence.Firing) {
	n := p.registry.RouteTriggerEvent(ctx, notify.EventFromFiring(f))
	p.logger.Debug("trigger event routed", "trigger_id", f.TriggerID, "subject_id", f.Position.SubjectID, "delivered", n)
}
