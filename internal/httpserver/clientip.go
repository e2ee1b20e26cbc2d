package httpserver

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP from the request, preferring
// X-Forwarded-For and X-Real-IP over RemoteAddr (§4.1 rate limiter key).
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
