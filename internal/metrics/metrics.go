// Package metrics exposes Prometheus collectors for backend lifecycle and
// proxied requests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/registry"
)

const namespace = "exitproxy"

// Request modes.
const (
	ModeForward = "forward"
	ModeTunnel  = "tunnel"
	ModeHealth  = "health"
)

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeBadRequest  = "bad_request"
	OutcomeUnavailable = "backend_unavailable"
	OutcomeUpstream    = "upstream_error"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	backendCreations *prometheus.CounterVec
	backendsLive     prometheus.Gauge
	backendsStarting prometheus.Gauge
	backendExits     prometheus.Counter
	bootstrapSeconds *prometheus.HistogramVec

	requests       *prometheus.CounterVec
	tunnelsOpen    prometheus.Gauge
	tunnelBytes    *prometheus.CounterVec
	resolveSeconds prometheus.Histogram
}

var _ registry.Observer = (*Metrics)(nil)

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		backendCreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "creations_total",
			Help:      "Backend instance creations by result.",
		}, []string{"result"}),
		backendsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "instances",
			Help:      "Ready backend instances, default included.",
		}),
		backendsStarting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "instances_starting",
			Help:      "Backend instances waiting for bootstrap.",
		}),
		backendExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "unexpected_exits_total",
			Help:      "Ready backend processes that exited without being stopped.",
		}),
		bootstrapSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "bootstrap_seconds",
			Help:      "Time from spawn to bootstrap completion or failure.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180},
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		tunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_open",
			Help:      "CONNECT tunnels currently relaying.",
		}),
		tunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels.",
		}, []string{"direction"}),
		resolveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_seconds",
			Help:      "Time spent mapping a hint to a ready backend.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 8),
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.backendCreations,
		m.backendsLive,
		m.backendsStarting,
		m.backendExits,
		m.bootstrapSeconds,
		m.requests,
		m.tunnelsOpen,
		m.tunnelBytes,
		m.resolveSeconds,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Observe implements registry.Observer.
func (m *Metrics) Observe(ev registry.Event) {
	if m == nil {
		return
	}

	if ev.Exited {
		m.backendExits.Inc()
		m.backendsLive.Dec()
		return
	}

	switch ev.Status {
	case backend.StatusStarting:
		m.backendsStarting.Inc()
	case backend.StatusReady:
		m.backendsStarting.Dec()
		m.backendsLive.Inc()
		m.backendCreations.WithLabelValues("ready").Inc()
		m.bootstrapSeconds.WithLabelValues("ready").Observe(ev.Elapsed.Seconds())
	case backend.StatusFailed:
		// Capacity refusals never reach Starting.
		if ev.Elapsed > 0 {
			m.backendsStarting.Dec()
			m.bootstrapSeconds.WithLabelValues("failed").Observe(ev.Elapsed.Seconds())
		}
		m.backendCreations.WithLabelValues("failed").Inc()
	case backend.StatusStopped:
		m.backendsLive.Dec()
	}
}

// Request counts one handled proxy request.
func (m *Metrics) Request(mode, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(mode, outcome).Inc()
}

// ObserveResolve records how long resolving a backend took.
func (m *Metrics) ObserveResolve(seconds float64) {
	if m == nil {
		return
	}
	m.resolveSeconds.Observe(seconds)
}

// TunnelOpened marks a tunnel as relaying. The returned func records the
// byte counts and must be called exactly once when the tunnel closes.
func (m *Metrics) TunnelOpened() func(up, down int64) {
	if m == nil {
		return func(int64, int64) {}
	}

	m.tunnelsOpen.Inc()
	return func(up, down int64) {
		m.tunnelsOpen.Dec()
		m.tunnelBytes.WithLabelValues("upstream").Add(float64(up))
		m.tunnelBytes.WithLabelValues("downstream").Add(float64(down))
	}
}
