package http

import (
	"fmt"
	"strconv"
	"strings"
)

const defaultTunnelPort = 443

// parseTunnelTarget splits a CONNECT authority of the form host[:port] or
// [v6][:port]. A missing or empty port means 443.
func parseTunnelTarget(target string) (host string, port int, err error) {
	var rawPort string

	if rest, ok := strings.CutPrefix(target, "["); ok {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("%w: unterminated IPv6 literal in %q", ErrInvalidTarget, target)
		}
		host = rest[:end]

		tail := rest[end+1:]
		if tail != "" {
			p, ok := strings.CutPrefix(tail, ":")
			if !ok {
				return "", 0, fmt.Errorf("%w: unexpected %q after IPv6 literal", ErrInvalidTarget, tail)
			}
			rawPort = p
		}
	} else {
		host, rawPort, _ = strings.Cut(target, ":")
	}

	if host == "" {
		return "", 0, fmt.Errorf("%w: empty host in %q", ErrInvalidTarget, target)
	}

	if rawPort == "" {
		return host, defaultTunnelPort, nil
	}

	port, err = strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port %q", ErrInvalidTarget, rawPort)
	}

	return host, port, nil
}
