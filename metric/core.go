package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the stream-manager-wide metrics shared by every component
type Metrics struct {
	SessionsActive   *prometheus.GaugeVec
	SessionsTotal    *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec
	TriggersFired    *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metric set. Collectors are registered by NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtlstream",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Currently open client sessions",
		}, []string{"resource"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Sessions accepted, by resource kind",
		}, []string{"resource"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Decoded inbound messages",
		}, []string{"type", "codec"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Outbound messages written to clients",
		}, []string{"type"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Frames that could not be decoded",
		}, []string{"reason"}),
		TriggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "geofence",
			Name:      "triggers_fired_total",
			Help:      "Trigger firings by direction",
		}, []string{"direction"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Name:      "errors_total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtlstream",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "NATS reconnections",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtlstream",
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.MessagesReceived,
		m.MessagesSent,
		m.ProtocolErrors,
		m.TriggersFired,
		m.ErrorsTotal,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	)
}

// RecordError counts an error under its classification
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus sets the connection gauge
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}
