package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/metrics"
)

// Resolver maps a routing hint to the SOCKS port of a ready backend.
type Resolver interface {
	Resolve(ctx context.Context, hint string) (int, error)
}

// EgressConfig configures an Egress.
type EgressConfig struct {
	// Resolver picks the backend for a hint.
	Resolver Resolver

	// Forward dials the loopback SOCKS port. Defaults to a net.Dialer.
	Forward proxy.Dialer

	// IdleConnTimeout bounds idle keep-alive connections per backend.
	// Defaults to 90s.
	IdleConnTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Egress connects to origin servers through the SOCKS5 port of the backend
// chosen for each request. Names are resolved by the backend, not locally.
type Egress struct {
	resolver    Resolver
	forward     proxy.Dialer
	idleTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu         sync.Mutex
	transports map[int]*http.Transport
}

// NewEgress creates an Egress.
func NewEgress(cfg EgressConfig) *Egress {
	forward := cfg.Forward
	if forward == nil {
		forward = &net.Dialer{KeepAlive: 30 * time.Second}
	}

	idle := cfg.IdleConnTimeout
	if idle <= 0 {
		idle = 90 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Egress{
		resolver:    cfg.Resolver,
		forward:     forward,
		idleTimeout: idle,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "egress"),
		transports:  make(map[int]*http.Transport),
	}
}

// Resolve returns the SOCKS port for hint, creating the backend if needed.
func (e *Egress) Resolve(ctx context.Context, hint string) (int, error) {
	start := time.Now()
	port, err := e.resolver.Resolve(ctx, hint)
	e.metrics.ObserveResolve(time.Since(start).Seconds())

	return port, err
}

// Dial resolves hint and opens a TCP stream to addr through that backend.
func (e *Egress) Dial(ctx context.Context, hint, addr string) (net.Conn, error) {
	port, err := e.Resolve(ctx, hint)
	if err != nil {
		return nil, err
	}

	return e.DialPort(ctx, port, addr)
}

// DialPort opens a TCP stream to addr through the SOCKS5 server on the
// loopback port.
func (e *Egress) DialPort(ctx context.Context, port int, addr string) (net.Conn, error) {
	d, err := proxy.SOCKS5("tcp", backend.SocksAddr(port), nil, e.forward)
	if err != nil {
		return nil, fmt.Errorf("service: socks5 dialer for port %d: %w", port, err)
	}

	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("service: socks5 dialer for port %d does not support contexts", port)
	}

	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("service: dial %s via port %d: %w", addr, port, err)
	}

	return conn, nil
}

// RoundTripper resolves hint and returns the transport bound to its
// backend, along with the backend port.
func (e *Egress) RoundTripper(ctx context.Context, hint string) (http.RoundTripper, int, error) {
	port, err := e.Resolve(ctx, hint)
	if err != nil {
		return nil, 0, err
	}

	return e.Transport(port), port, nil
}

// Transport returns the cached transport for the backend on port. Responses
// are passed through untouched: compression is never negotiated on the
// client's behalf.
func (e *Egress) Transport(port int) *http.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.transports[port]; ok {
		return t
	}

	t := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return e.DialPort(ctx, port, addr)
		},
		DisableCompression:    true,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       e.idleTimeout,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	e.transports[port] = t
	e.logger.Debug("Created transport", "port", port)

	return t
}

// Close drops idle keep-alive connections on every transport.
func (e *Egress) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.transports {
		t.CloseIdleConnections()
	}
}
