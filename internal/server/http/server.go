package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultReadHeaderTimeout = 10 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	// Name labels log lines, e.g. "proxy" or "admin".
	Name string

	Handler http.Handler

	// ReadHeaderTimeout defaults to 10s.
	ReadHeaderTimeout time.Duration

	// IdleTimeout bounds idle keep-alive client connections. Zero means none.
	IdleTimeout time.Duration

	Logger *slog.Logger
}

// Server is a thin wrapper around http.Server that separates binding the
// listener from serving, so callers learn the bound address up front.
type Server struct {
	logger *slog.Logger
	server *http.Server

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Name != "" {
		logger = logger.With("server", cfg.Name)
	}

	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = defaultReadHeaderTimeout
	}

	return &Server{
		logger: logger,
		server: &http.Server{
			Handler:           cfg.Handler,
			ReadHeaderTimeout: readHeader,
			IdleTimeout:       cfg.IdleTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		},
	}
}

// Listen binds addr. It returns the actual address, which differs from addr
// when the port is 0.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	return ln.Addr(), nil
}

// Serve accepts connections on the bound listener until Shutdown or Close.
// It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	s.logger.Info("Listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}

	return nil
}

// ListenAndServe binds addr and serves in the background.
func (s *Server) ListenAndServe(addr string) (net.Addr, error) {
	bound, err := s.Listen(addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := s.Serve(); err != nil {
			s.logger.Error("Server stopped", "error", err)
		}
	}()

	return bound, nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// OnShutdown registers f to run in its own goroutine once Shutdown has
// closed the listener, before in-flight requests have drained.
func (s *Server) OnShutdown(f func()) {
	s.server.RegisterOnShutdown(f)
}

// Shutdown stops accepting connections and waits for plain requests to
// finish. Hijacked tunnels are not tracked and keep running.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return s.server.Close()
}
