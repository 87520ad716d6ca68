package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/registry"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	return family(t, m, name).GetMetric()[0].GetGauge().GetValue()
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	for _, metric := range family(t, m, name).GetMetric() {
		match := true
		for _, lp := range metric.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetrics_BackendLifecycle(t *testing.T) {
	m := New()

	m.Observe(registry.Event{Region: "de", Status: backend.StatusStarting})
	assert.Equal(t, 1.0, gaugeValue(t, m, "exitproxy_backend_instances_starting"))

	m.Observe(registry.Event{Region: "de", Status: backend.StatusReady, Elapsed: 3 * time.Second})
	m.Observe(registry.Event{Region: "fr", Status: backend.StatusStarting})
	m.Observe(registry.Event{Region: "fr", Status: backend.StatusFailed, Elapsed: time.Second, Err: errors.New("boom")})
	m.Observe(registry.Event{Region: "it", Status: backend.StatusFailed, Err: registry.ErrCapacity})

	assert.Equal(t, 0.0, gaugeValue(t, m, "exitproxy_backend_instances_starting"))
	assert.Equal(t, 1.0, gaugeValue(t, m, "exitproxy_backend_instances"))
	assert.Equal(t, 1.0, counterValue(t, m, "exitproxy_backend_creations_total", map[string]string{"result": "ready"}))
	assert.Equal(t, 2.0, counterValue(t, m, "exitproxy_backend_creations_total", map[string]string{"result": "failed"}))

	m.Observe(registry.Event{Region: "de", Status: backend.StatusReady, Exited: true})
	assert.Equal(t, 0.0, gaugeValue(t, m, "exitproxy_backend_instances"))
	assert.Equal(t, 1.0, counterValue(t, m, "exitproxy_backend_unexpected_exits_total", nil))
}

func TestMetrics_RequestsAndTunnels(t *testing.T) {
	m := New()

	m.Request(ModeForward, OutcomeOK)
	m.Request(ModeForward, OutcomeOK)
	m.Request(ModeTunnel, OutcomeUnavailable)

	assert.Equal(t, 2.0, counterValue(t, m, "exitproxy_requests_total", map[string]string{"mode": "forward", "outcome": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, m, "exitproxy_requests_total", map[string]string{"mode": "tunnel", "outcome": "backend_unavailable"}))

	done := m.TunnelOpened()
	assert.Equal(t, 1.0, gaugeValue(t, m, "exitproxy_tunnels_open"))
	done(10, 20)
	assert.Equal(t, 0.0, gaugeValue(t, m, "exitproxy_tunnels_open"))
	assert.Equal(t, 20.0, counterValue(t, m, "exitproxy_tunnel_bytes_total", map[string]string{"direction": "downstream"}))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Request(ModeHealth, OutcomeOK)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `exitproxy_requests_total{mode="health",outcome="ok"} 1`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Observe(registry.Event{Status: backend.StatusReady})
		m.Request(ModeForward, OutcomeOK)
		m.ObserveResolve(0.1)
		m.TunnelOpened()(1, 1)
	})
	assert.Nil(t, m.Registry())
}
