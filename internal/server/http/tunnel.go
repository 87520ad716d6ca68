package http

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ekisa-team/exitproxy/internal/metrics"
)

const (
	statusEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	statusBadRequest  = "HTTP/1.1 400 Bad Request\r\n\r\n"
	statusBadGateway  = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

// serveTunnel handles CONNECT. The backend is dialed before the client
// connection is hijacked so that a client hanging up cancels the dial. Every
// outcome ends with a raw status line; failures then close the connection.
func (d *Dispatcher) serveTunnel(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	host, port, err := parseTunnelTarget(r.Host)
	if err != nil {
		log.Debug("Rejected CONNECT target", "target", r.Host, "error", err)
		d.rejectTunnel(hijacker, statusBadRequest, log)
		d.metrics.Request(metrics.ModeTunnel, metrics.OutcomeBadRequest)
		return
	}

	routing := d.Routing()
	hint := tunnelHint(r, routing.ExitHeader)
	target := net.JoinHostPort(host, strconv.Itoa(port))
	log = log.With("target", target)

	upstream, err := d.egress.Dial(r.Context(), hint, target)
	if err != nil {
		log.Warn("Tunnel dial failed", "hint", hint, "error", err)
		d.rejectTunnel(hijacker, statusBadGateway, log)
		d.metrics.Request(metrics.ModeTunnel, metrics.OutcomeUpstream)
		return
	}

	client, rw, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		log.Error("Hijack failed", "error", err)
		return
	}

	if _, err := io.WriteString(client, statusEstablished); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		log.Debug("Client went away before tunnel start", "error", err)
		return
	}

	// Bytes the server read ahead of the CONNECT head belong to the tunnel.
	if n := rw.Reader.Buffered(); n > 0 {
		head, _ := rw.Reader.Peek(n)
		if _, err := upstream.Write(head); err != nil {
			_ = client.Close()
			_ = upstream.Close()
			log.Debug("Failed to flush buffered client bytes", "error", err)
			return
		}
		_, _ = rw.Reader.Discard(n)
	}

	d.metrics.Request(metrics.ModeTunnel, metrics.OutcomeOK)
	log.Debug("Tunnel established", "hint", hint)

	done := d.metrics.TunnelOpened()
	up, down := splice(client, upstream, routing.TunnelIdleTimeout)
	done(up, down)

	log.Debug("Tunnel closed", "bytes_up", up, "bytes_down", down)
}

func (d *Dispatcher) rejectTunnel(hijacker http.Hijacker, status string, log *slog.Logger) {
	client, _, err := hijacker.Hijack()
	if err != nil {
		log.Error("Hijack failed", "error", err)
		return
	}
	defer client.Close()

	_, _ = io.WriteString(client, status)
}

// splice copies both ways until either side closes or fails, then closes
// both. With a positive idle timeout the pair is also closed once no bytes
// moved in either direction for that long.
func splice(client, upstream net.Conn, idle time.Duration) (up, down int64) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}

	var (
		dstUp   io.Writer = upstream
		dstDown io.Writer = client
		stop              = make(chan struct{})
	)
	if idle > 0 {
		var last atomic.Int64
		last.Store(time.Now().UnixNano())
		dstUp = activityWriter{w: upstream, last: &last}
		dstDown = activityWriter{w: client, last: &last}

		go watchIdle(&last, idle, stop, closeBoth)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		up, _ = io.Copy(dstUp, client)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		down, _ = io.Copy(dstDown, upstream)
	}()
	wg.Wait()
	close(stop)

	return up, down
}

func watchIdle(last *atomic.Int64, idle time.Duration, stop <-chan struct{}, closeBoth func()) {
	tick := max(idle/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, last.Load())) >= idle {
				closeBoth()
				return
			}
		}
	}
}

// activityWriter records the time of every successful write.
type activityWriter struct {
	w    io.Writer
	last *atomic.Int64
}

func (a activityWriter) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}
	return n, err
}
