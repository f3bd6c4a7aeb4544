package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"connector-hub/internal/common/errors"
	commonhttp "connector-hub/internal/common/http"
)

// HTTPMiddleware rejects requests over the limit of their key with 429.
// Requests whose key is empty are not limited.
func HTTPMiddleware(limiter *Limiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key != "" && !limiter.TryAcquireForKey(key) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.RequestsPerSecond()))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				commonhttp.WriteError(w, errors.RateLimitedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey returns the client address, preferring the first X-Forwarded-For hop
func IPKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
