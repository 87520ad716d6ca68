// Package grpc serves the admin gRPC health service. The overall status
// follows the default backend; each backend instance is also reported under
// its own service name.
package grpc

import (
	"log/slog"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/region"
	"github.com/ekisa-team/exitproxy/internal/registry"
)

const servicePrefix = "exitproxy.backend."

// ServiceName returns the health service name reported for a region.
func ServiceName(code region.Code) string {
	return servicePrefix + code.String()
}

// Health tracks backend instances as gRPC health services. It implements
// registry.Observer.
type Health struct {
	server *health.Server
	logger *slog.Logger
}

// NewHealth returns a Health that reports NOT_SERVING until the default
// backend becomes ready.
func NewHealth(logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &Health{
		server: srv,
		logger: logger.With("component", "grpc-health"),
	}
}

// Observe implements registry.Observer.
func (h *Health) Observe(ev registry.Event) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ev.Status == backend.StatusReady && !ev.Exited {
		status = healthpb.HealthCheckResponse_SERVING
	}

	h.server.SetServingStatus(ServiceName(ev.Region), status)
	if ev.Region.IsDefault() {
		h.server.SetServingStatus("", status)
	}

	h.logger.Debug("Health status updated", "region", ev.Region.String(), "status", status.String())
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}

// Server exposes the underlying health server.
func (h *Health) Server() healthpb.HealthServer {
	return h.server
}
