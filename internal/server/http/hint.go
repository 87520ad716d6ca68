package http

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

// stripParam removes every occurrence of param from a raw query string.
// It returns the first value found and the remaining query with the other
// pairs in their original order and encoding.
func stripParam(rawQuery, param string) (value string, found bool, stripped string) {
	if rawQuery == "" || param == "" {
		return "", false, rawQuery
	}

	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		if unescape(rawKey) != param {
			kept = append(kept, pair)
			continue
		}
		if !found {
			value = unescape(rawValue)
			found = true
		}
	}

	return value, found, strings.Join(kept, "&")
}

func unescape(s string) string {
	v, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return v
}

// proxyAuthUser returns the username of a Basic Proxy-Authorization header,
// or "" when the header is absent or not Basic. The password is ignored.
func proxyAuthUser(h http.Header) string {
	v := strings.TrimSpace(h.Get("Proxy-Authorization"))
	if v == "" {
		return ""
	}

	scheme, encoded, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "basic") {
		return ""
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return ""
	}

	user, _, _ := strings.Cut(string(decoded), ":")
	return strings.TrimSpace(user)
}

// forwardHint picks the routing hint for an absolute-URI request: the query
// parameter wins over the proxy credential username.
func forwardHint(r *http.Request, param string) (hint, strippedQuery string) {
	value, _, stripped := stripParam(r.URL.RawQuery, param)
	if value == "" {
		value = proxyAuthUser(r.Header)
	}
	return value, stripped
}

// tunnelHint picks the routing hint for a CONNECT request: the proxy
// credential username wins over the exit header.
func tunnelHint(r *http.Request, header string) string {
	if user := proxyAuthUser(r.Header); user != "" {
		return user
	}
	if header == "" {
		return ""
	}
	return r.Header.Get(header)
}
