package service

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/exitproxy/internal/registry"
)

type staticResolver map[string]int

func (s staticResolver) Resolve(_ context.Context, hint string) (int, error) {
	port, ok := s[hint]
	if !ok {
		return 0, &registry.CreationError{Region: "xx", Err: errors.New("no backend")}
	}
	return port, nil
}

// startSOCKS runs a SOCKS5 server on a random loopback port.
func startSOCKS(t *testing.T) int {
	t.Helper()

	server, err := socks5.New(&socks5.Config{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() { _ = server.Serve(ln) }()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestEgress_RoundTripper(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "identity")
		_, _ = io.WriteString(w, "via socks: "+r.URL.Path)
	}))
	defer origin.Close()

	port := startSOCKS(t)
	egress := NewEgress(EgressConfig{Resolver: staticResolver{"de": port}})
	defer egress.Close()

	rt, got, err := egress.RoundTripper(context.Background(), "de")
	require.NoError(t, err)
	assert.Equal(t, port, got)

	req, err := http.NewRequest(http.MethodGet, origin.URL+"/hello", nil)
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "via socks: /hello", string(body))

	// Transports are cached per backend port.
	assert.Same(t, egress.Transport(port), rt)
}

func TestEgress_Dial(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()

	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	port := startSOCKS(t)
	egress := NewEgress(EgressConfig{Resolver: staticResolver{"": port}})

	conn, err := egress.Dial(context.Background(), "", echo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestEgress_ResolveError(t *testing.T) {
	egress := NewEgress(EgressConfig{Resolver: staticResolver{}})

	_, err := egress.Dial(context.Background(), "fr", "example.com:443")
	assert.ErrorIs(t, err, registry.ErrBackendUnavailable)

	_, _, err = egress.RoundTripper(context.Background(), "fr")
	assert.ErrorIs(t, err, registry.ErrBackendUnavailable)
}

func TestEgress_BackendDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	egress := NewEgress(EgressConfig{Resolver: staticResolver{"de": port}})

	_, err = egress.Dial(context.Background(), "de", "example.com:80")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "example.com:80")
}
