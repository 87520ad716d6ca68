// Package http implements the forwarding proxy front end: it picks an egress
// backend for each request and relays the request or tunnel through it.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ekisa-team/exitproxy/internal/metrics"
)

// HealthPath answers liveness probes without touching any backend.
const HealthPath = "/__health"

// Default routing knobs.
const (
	DefaultExitParam  = "tor_exit"
	DefaultExitHeader = "X-Tor-Exit-Country"
)

// Egress reaches origin servers through the backend chosen by a hint.
type Egress interface {
	RoundTripper(ctx context.Context, hint string) (http.RoundTripper, int, error)
	Dial(ctx context.Context, hint, addr string) (net.Conn, error)
}

// Routing holds the settings that may change while the proxy runs.
type Routing struct {
	// ExitParam is the query parameter carrying the hint on absolute-URI
	// requests. It is removed before forwarding.
	ExitParam string

	// ExitHeader carries the hint on CONNECT requests.
	ExitHeader string

	// TunnelIdleTimeout closes a tunnel after no bytes moved in either
	// direction for this long. Zero disables it.
	TunnelIdleTimeout time.Duration
}

func (r Routing) withDefaults() Routing {
	if r.ExitParam == "" {
		r.ExitParam = DefaultExitParam
	}
	if r.ExitHeader == "" {
		r.ExitHeader = DefaultExitHeader
	}
	if r.TunnelIdleTimeout < 0 {
		r.TunnelIdleTimeout = 0
	}
	return r
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Egress  Egress
	Routing Routing

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Dispatcher is the proxy's http.Handler.
type Dispatcher struct {
	egress  Egress
	routing atomic.Pointer[Routing]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		egress:  cfg.Egress,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "dispatcher"),
	}
	d.SetRouting(cfg.Routing)

	return d
}

// SetRouting replaces the routing settings for subsequent requests.
func (d *Dispatcher) SetRouting(r Routing) {
	r = r.withDefaults()
	d.routing.Store(&r)
}

// Routing returns the current routing settings.
func (d *Dispatcher) Routing() Routing {
	return *d.routing.Load()
}

// ServeHTTP dispatches CONNECT requests to the tunnel relay, liveness probes
// to a fixed answer and everything else to the forward relay.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := d.logger.With("request_id", uuid.NewString())

	switch {
	case r.Method == http.MethodConnect:
		d.serveTunnel(w, r, log)
	case isHealthProbe(r):
		d.serveHealth(w)
	default:
		d.serveForward(w, r, log)
	}
}

func isHealthProbe(r *http.Request) bool {
	return r.Method == http.MethodGet && r.URL.Host == "" && r.RequestURI == HealthPath
}

func (d *Dispatcher) serveHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	d.metrics.Request(metrics.ModeHealth, metrics.OutcomeOK)
}
