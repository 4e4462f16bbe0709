package api

import (
	"net"
	"net/http"
	"strings"
)

// credentialFrom identifies the caller for rate limiting. API keys are
// preferred over source addresses so keyed clients keep their quota
// across IPs and anonymous clients are limited per address.
//
// Precedence: X-API-Key header, then Authorization Bearer token, then
// an api_key query parameter, then the remote IP.
func credentialFrom(r *http.Request) string {
	if key := apiKeyFrom(r); key != "" {
		return "apikey:" + key
	}
	return "ip:" + clientIP(r)
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

func clientIP(r *http.Request) string {
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
