package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/rtlstream/metric"
)

// Metrics is shared by every session in the process.
type Metrics struct {
	core        *metric.Metrics
	disconnects *prometheus.CounterVec
	dropped     prometheus.Counter
}

// NewMetrics registers session metrics. Returns nil when registry is nil.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		core: registry.CoreMetrics(),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "sessions",
			Name:      "disconnects_total",
			Help:      "Closed sessions by reason",
		}, []string{"reason"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "sessions",
			Name:      "frames_rate_limited_total",
			Help:      "Inbound frames dropped by the rate limiter",
		}),
	}
	registry.RegisterCounterVec("session", "disconnects_total", m.disconnects)
	registry.RegisterCounter("session", "frames_rate_limited_total", m.dropped)
	return m
}

func (m *Metrics) opened(kind Kind) {
	if m != nil {
		m.core.SessionsTotal.WithLabelValues(string(kind)).Inc()
		m.core.SessionsActive.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) closed(kind Kind, reason string) {
	if m != nil {
		m.core.SessionsActive.WithLabelValues(string(kind)).Dec()
		m.disconnects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) received(msgType, codec string) {
	if m != nil {
		m.core.MessagesReceived.WithLabelValues(msgType, codec).Inc()
	}
}

func (m *Metrics) sent(msgType string) {
	if m != nil {
		m.core.MessagesSent.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) protocolError(reason string) {
	if m != nil {
		m.core.ProtocolErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) rateLimited() {
	if m != nil {
		m.dropped.Inc()
	}
}
