package util

import (
	"net/http"
	"strings"
)

// HopByHopHeaders are meaningful for a single connection only and never forwarded by a proxy
var HopByHopHeaders = []string{
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailer",
	"trailers",
	"transfer-encoding",
	"upgrade",
}

// DenyHeaders returns a copy of h without the headers in denylist. Denylist entries are lower case.
func DenyHeaders(h http.Header, denylist []string) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for k := range h {
		for _, dk := range denylist {
			if strings.ToLower(k) == dk {
				out.Del(k)
				break
			}
		}
	}
	return out
}
