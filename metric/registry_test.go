package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/rtlstream/errors"
)

func gathered(t *testing.T, r *MetricsRegistry, name string) bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zone_loads_total",
		Help: "test",
	})
	require.NoError(t, registry.RegisterCounter("zone", "zone_loads_total", counter))
	counter.Inc()

	assert.True(t, gathered(t, registry, "zone_loads_total"))
	assert.Equal(t, 1, registry.Count())

	assert.True(t, registry.Unregister("zone", "zone_loads_total"))
	assert.False(t, registry.Unregister("zone", "zone_loads_total"))
	assert.False(t, gathered(t, registry, "zone_loads_total"))
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	g1 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth", Help: "test"})
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth", Help: "test"})

	require.NoError(t, registry.RegisterGauge("svc", "depth", g1))

	err := registry.RegisterGauge("svc", "depth", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same prometheus name under another service is a prometheus conflict
	err = registry.RegisterGauge("other", "depth", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_VecTypes(t *testing.T) {
	registry := NewMetricsRegistry()

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cv_total", Help: "t"}, []string{"k"})
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "gv", Help: "t"}, []string{"k"})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "hv_seconds", Help: "t"}, []string{"k"})

	require.NoError(t, registry.RegisterCounterVec("svc", "cv_total", cv))
	require.NoError(t, registry.RegisterGaugeVec("svc", "gv", gv))
	require.NoError(t, registry.RegisterHistogramVec("svc", "hv_seconds", hv))
	assert.Equal(t, 3, registry.Count())
}

func TestCoreMetrics_Exposed(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.SessionsActive.WithLabelValues("tags").Inc()
	core.TriggersFired.WithLabelValues("on_enter").Inc()
	core.RecordError("session", "invalid")
	core.RecordNATSStatus(true)

	var nilMetrics *Metrics
	nilMetrics.RecordError("x", "y")

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rtlstream_sessions_active")
	assert.Contains(t, string(body), "rtlstream_geofence_triggers_fired_total")
	assert.Contains(t, string(body), "rtlstream_nats_connected 1")
	assert.Contains(t, string(body), "go_goroutines")
}
