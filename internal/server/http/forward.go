package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ekisa-team/exitproxy/internal/metrics"
)

// hopByHopHeaders are meaningful for a single connection only and are never
// relayed in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const copyBufferSize = 32 * 1024

// serveForward relays an absolute-URI request to its origin through the
// backend selected by the query parameter or proxy credentials.
func (d *Dispatcher) serveForward(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	if !r.URL.IsAbs() || r.URL.Host == "" || (r.URL.Scheme != "http" && r.URL.Scheme != "https") {
		log.Debug("Rejected non-proxy request", "method", r.Method, "uri", r.RequestURI)
		http.Error(w, msgBadRequest, http.StatusBadRequest)
		d.metrics.Request(metrics.ModeForward, metrics.OutcomeBadRequest)
		return
	}

	routing := d.Routing()
	hint, query := forwardHint(r, routing.ExitParam)

	rt, port, err := d.egress.RoundTripper(r.Context(), hint)
	if err != nil {
		log.Warn("No backend for request", "hint", hint, "host", r.URL.Host, "error", err)
		http.Error(w, msgBackendUnavailable, http.StatusBadGateway)
		d.metrics.Request(metrics.ModeForward, metrics.OutcomeUnavailable)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL.RawQuery = query
	out.URL.ForceQuery = false
	if r.ContentLength == 0 {
		out.Body = nil
	}
	removeHopByHopHeaders(out.Header)

	log = log.With("method", r.Method, "host", r.URL.Host, "port", port)
	log.Debug("Forwarding request", "hint", hint)

	resp, err := rt.RoundTrip(out)
	if err != nil {
		log.Warn("Upstream request failed", "error", err)
		http.Error(w, msgUpstreamFailed, http.StatusBadGateway)
		d.metrics.Request(metrics.ModeForward, metrics.OutcomeUpstream)
		return
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	dst := w.Header()
	for key, values := range resp.Header {
		dst[key] = append(dst[key], values...)
	}
	w.WriteHeader(resp.StatusCode)

	if err := streamBody(w, resp.Body); err != nil {
		log.Debug("Response body copy stopped", "error", err)
	}
	d.metrics.Request(metrics.ModeForward, metrics.OutcomeOK)
}

// streamBody copies src to w, flushing after every chunk so the client sees
// bytes as soon as the origin sends them.
func streamBody(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// removeHopByHopHeaders drops the fixed hop-by-hop set plus every header
// named in Connection.
func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
