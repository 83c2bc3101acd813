// Package liveness tracks heartbeat acknowledgements for one connection.
//
// Silence and wrong answers are handled differently. Missed acknowledgements
// are counted by CheckTimeout, and the monitor disconnects the peer itself
// once the limit is reached. Mismatched acknowledgements and over-eager client
// heartbeats are counted the same way, but only raise a signal
// (ShouldDisconnect) that the session acts on.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/protocol"
)

// Result classifies an inbound message handed to ValidateResponse.
type Result int

const (
	Ignored Result = iota
	Valid
	Invalid
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "ignored"
	}
}

// Peer is the connection side the monitor talks to.
type Peer interface {
	SendHeartbeat(ctx context.Context, hb protocol.Heartbeat) error
	// Disconnect sends a best-effort end-of-stream notice and closes the connection.
	Disconnect(ctx context.Context, reason string)
}

// Config holds the heartbeat schedule.
type Config struct {
	Interval      time.Duration `json:"interval" yaml:"interval"`
	AckTimeout    time.Duration `json:"ack_timeout" yaml:"ack_timeout"`
	MaxViolations int           `json:"max_violations" yaml:"max_violations"`
}

// DefaultConfig sends a heartbeat every 30s and allows 5s for the acknowledgement.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		AckTimeout:    5 * time.Second,
		MaxViolations: 3,
	}
}

// Deps are optional collaborators.
type Deps struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Monitor is the per-connection heartbeat state machine.
type Monitor struct {
	cfg     Config
	peer    Peer
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu             sync.Mutex
	connected      bool
	awaiting       bool
	lastSentID     int64
	lastSentAt     time.Time
	lastReceivedAt time.Time
	lastAccepted   time.Time
	violations     int
}

// NewMonitor creates a connected monitor for peer.
func NewMonitor(cfg Config, peer Peer, deps Deps) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = DefaultConfig().MaxViolations
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "liveness")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cfg:       cfg,
		peer:      peer,
		logger:    logger,
		metrics:   deps.Metrics,
		now:       now,
		connected: true,
	}
}

// Interval returns the heartbeat period.
func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}

// SendHeartbeat transmits a new heartbeat. Ids are time-derived and strictly increasing.
func (m *Monitor) SendHeartbeat(ctx context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	id := now.UnixMilli()
	if id <= m.lastSentID {
		id = m.lastSentID + 1
	}
	m.lastSentID = id
	m.lastSentAt = now
	m.awaiting = true
	m.mu.Unlock()

	if err := m.peer.SendHeartbeat(ctx, protocol.Heartbeat{ID: id, SentAt: now.UnixMilli()}); err != nil {
		return errors.WrapTransient(err, "Monitor", "SendHeartbeat", "send heartbeat")
	}
	return nil
}

// CheckTimeout counts a violation when the outstanding heartbeat has gone
// unacknowledged for longer than the ack timeout, and disconnects the peer
// once the limit is reached. Returns true if the peer was disconnected.
func (m *Monitor) CheckTimeout(ctx context.Context) bool {
	m.mu.Lock()
	if !m.connected || !m.awaiting || m.now().Sub(m.lastSentAt) <= m.cfg.AckTimeout {
		m.mu.Unlock()
		return false
	}
	m.awaiting = false
	m.violations++
	violations := m.violations
	limit := violations >= m.cfg.MaxViolations
	if limit {
		m.connected = false
	}
	m.mu.Unlock()

	m.metrics.recordViolation("timeout")
	m.logger.Debug("heartbeat acknowledgement missed", "violations", violations)

	if limit {
		m.logger.Info("disconnecting peer after missed heartbeats", "violations", violations)
		m.peer.Disconnect(ctx, "heartbeat timeout")
	}
	return limit
}

// ValidateResponse checks a heartbeat acknowledgement against the last
// heartbeat sent. Non-heartbeat messages are Ignored.
func (m *Monitor) ValidateResponse(msg protocol.Message) Result {
	hb, ok := msg.(protocol.Heartbeat)
	if !ok {
		return Ignored
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastSentID != 0 && hb.ID == m.lastSentID {
		m.violations = 0
		m.awaiting = false
		m.lastReceivedAt = m.now()
		return Valid
	}
	m.violations++
	m.metrics.recordViolation("invalid_ack")
	return Invalid
}

// Acknowledges reports whether hb answers the outstanding heartbeat.
func (m *Monitor) Acknowledges(hb protocol.Heartbeat) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaiting && hb.ID == m.lastSentID
}

// Awaiting reports whether a sent heartbeat is still unacknowledged.
func (m *Monitor) Awaiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaiting
}

// TooFrequent reports whether a client-initiated heartbeat arrived less than
// one interval after the last accepted one, counting a violation if so.
func (m *Monitor) TooFrequent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastAccepted.IsZero() && now.Sub(m.lastAccepted) < m.cfg.Interval {
		m.violations++
		m.metrics.recordViolation("too_frequent")
		return true
	}
	m.lastAccepted = now
	return false
}

// ShouldDisconnect reports whether the violation count has reached the limit.
func (m *Monitor) ShouldDisconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations >= m.cfg.MaxViolations
}

// Violations returns the current violation count.
func (m *Monitor) Violations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations
}

// Connected reports whether the monitor still considers the peer alive.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastReceivedAt returns when the last valid acknowledgement arrived.
func (m *Monitor) LastReceivedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReceivedAt
}

// Stop marks the peer disconnected so no further heartbeats are sent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

// Run checks the previous heartbeat and sends the next one every interval
// until ctx ends or the peer is disconnected for missed heartbeats, in which
// case it returns ErrLivenessViolation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.CheckTimeout(ctx) {
				return errors.ErrLivenessViolation
			}
			if !m.Connected() {
				return nil
			}
			if err := m.SendHeartbeat(ctx); err != nil {
				m.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}
