package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ekisa-team/exitproxy/internal/metrics"
	"github.com/ekisa-team/exitproxy/internal/registry"
)

// StatusSource reports backend state for the admin endpoints.
type StatusSource interface {
	Snapshot() registry.Snapshot
	Healthy() bool
}

// NewAdminHandler serves /metrics, /status and /healthz.
func NewAdminHandler(src StatusSource, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "admin")

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(src.Snapshot()); err != nil {
			logger.Debug("Failed to write status", "error", err)
		}
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if !src.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("default backend not ready"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}
