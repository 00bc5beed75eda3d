package util

import (
	"net"
	"net/http"
	"strings"
)

// DropPort strips the port from host:port, [ipv6]:port or a bare host
func DropPort(hostport string) string {
	if hostport == "" {
		return hostport
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

// RequestIP returns the client address as seen by the cache in front of us:
// X-Real-Ip, then the first X-Forwarded-For hop, then the connection peer.
func RequestIP(req *http.Request) string {
	if ip := strings.TrimSpace(req.Header.Get("X-Real-Ip")); ip != "" {
		return DropPort(ip)
	}
	fwd := req.Header.Get("X-Forwarded-For")
	if idx := strings.IndexByte(fwd, ','); idx >= 0 {
		fwd = fwd[:idx]
	}
	if fwd = strings.TrimSpace(fwd); fwd != "" {
		return DropPort(fwd)
	}
	return DropPort(strings.TrimSpace(req.RemoteAddr))
}
