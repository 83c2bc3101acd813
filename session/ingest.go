package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/rtlstream/protocol"
	"github.com/c360/rtlstream/zone"
)

// Ingestor feeds positions arriving from the message bus through the
// pipeline. Zone contexts it touches stay acquired until Close.
type Ingestor struct {
	pipeline *Pipeline
	zones    *zone.Manager
	logger   *slog.Logger
	metrics  *Metrics

	mu      sync.Mutex
	decoder *protocol.Decoder
	held    map[int]*zone.Context
	closed  bool
}

// NewIngestor creates an ingestor. zones may be nil, in which case
// positions are routed without trigger evaluation.
func NewIngestor(p *Pipeline, zones *zone.Manager, logger *slog.Logger, metrics *Metrics) *Ingestor {
	if logger == nil {
		logger = slog.Default().With("component", "ingest")
	}
	return &Ingestor{
		pipeline: p,
		zones:    zones,
		logger:   logger,
		metrics:  metrics,
		decoder:  protocol.NewDecoder(false, 0),
		held:     make(map[int]*zone.Context),
	}
}

// Handle decodes one bus payload and processes every position in it. Other
// message kinds are ignored. Its signature matches natsclient.Client.Subscribe.
func (in *Ingestor) Handle(ctx context.Context, payload []byte) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	decoded, errs := in.decoder.Decode(payload)
	in.mu.Unlock()

	for _, err := range errs {
		in.metrics.protocolError("bus_malformed")
		in.logger.Debug("undecodable bus payload", "error", err)
	}
	for _, d := range decoded {
		g, ok := d.Message.(protocol.GISData)
		if !ok {
			in.logger.Debug("ignoring bus message", "type", d.Message.Type())
			continue
		}
		in.metrics.received(g.Type(), d.Format.String())
		in.pipeline.Process(ctx, in.zoneFor(ctx, g.ZoneID), g)
	}
}

func (in *Ingestor) zoneFor(ctx context.Context, zoneID int) *zone.Context {
	if zoneID == 0 || in.zones == nil {
		return nil
	}
	in.mu.Lock()
	zc, ok := in.held[zoneID]
	in.mu.Unlock()
	if ok {
		return zc
	}

	zc, err := in.zones.Acquire(ctx, zoneID)
	if err != nil {
		in.logger.Debug("zone acquire failed", "zone_id", zoneID, "error", err)
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if existing, ok := in.held[zoneID]; ok || in.closed {
		in.zones.Release(zoneID)
		if in.closed {
			return nil
		}
		return existing
	}
	in.held[zoneID] = zc
	return zc
}

// Zones returns the number of zone contexts held.
func (in *Ingestor) Zones() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.held)
}

// Close releases every held zone context. Later payloads are dropped.
func (in *Ingestor) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	for id := range in.held {
		if in.zones != nil {
			in.zones.Release(id)
		}
	}
	in.held = nil
}
