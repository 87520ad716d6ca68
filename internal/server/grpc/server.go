package grpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server is the admin gRPC listener.
type Server struct {
	grpc   *grpc.Server
	health *Health
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a Server serving h and the reflection service.
func NewServer(h *Health, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.Server())
	reflection.Register(srv)

	return &Server{
		grpc:   srv,
		health: h,
		logger: logger.With("server", "grpc"),
	}
}

// Listen binds addr and returns the bound address.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc: listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	return ln.Addr(), nil
}

// Serve blocks until Stop. It returns nil after a clean stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errors.New("grpc: Serve called before Listen")
	}

	s.logger.Info("Listening", "addr", ln.Addr().String())
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc: serve: %w", err)
	}

	return nil
}

// Stop reports NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
