package http

import "errors"

// Error definitions for the proxy server.
var (
	ErrInvalidTarget = errors.New("proxy: invalid target")
)

// Client-facing bodies. Details stay in the logs.
const (
	msgBadRequest         = "bad request"
	msgBackendUnavailable = "backend unavailable"
	msgUpstreamFailed     = "upstream request failed"
)
