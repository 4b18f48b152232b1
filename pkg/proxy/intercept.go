package proxy

import (
	"net"
	"strings"
)

// intercepted are the only hosts whose TLS the proxy terminates
var intercepted = [...]string{"api-free.deepl.com", "api.deepl.com", "translate.googleapis.com"}

var interceptSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(intercepted))
	for _, h := range intercepted {
		m[h] = struct{}{}
	}
	return m
}()

// InterceptedHosts returns a copy of the intercepted host names
func InterceptedHosts() []string {
	return append([]string(nil), intercepted[:]...)
}

// IsIntercepted reports whether host, with or without a port, is intercepted.
// Matching is case-insensitive.
func IsIntercepted(host string) bool {
	_, ok := interceptSet[strings.TrimSuffix(strings.ToLower(hostOnly(host)), ".")]
	return ok
}

// hostOnly strips a port suffix and IPv6 brackets
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// splitHostPort returns host and port, defaulting the port to 443
func splitHostPort(host string) (string, string) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		if p == "" {
			p = "443"
		}
		return h, p
	}
	return hostOnly(host), "443"
}
