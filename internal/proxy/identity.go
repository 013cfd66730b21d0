package proxy

import (
	"net"
	"net/http"
	"strings"
)

// APIKeyHeader carries a caller identity that takes precedence over the IP
const APIKeyHeader = "X-API-Key"

// ClientIdentity returns the admission identity of an HTTP or WebSocket
// caller: the API key when present, otherwise the client IP
func ClientIdentity(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	return ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, or the RemoteAddr host
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
