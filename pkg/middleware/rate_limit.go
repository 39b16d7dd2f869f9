package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/diagnosis/garage-gate/internal/http/response"
	"github.com/diagnosis/garage-gate/internal/ratelimit"
	"github.com/diagnosis/garage-gate/pkg/logger"
)

// RateLimitConfig defines rate limiting parameters
type RateLimitConfig struct {
	Limiter  ratelimit.Limiter
	KeyFunc  func(r *http.Request) string // empty key skips the check
	SkipFunc func(r *http.Request) bool
	Message  string
}

// RateLimit rejects requests over the limit with 429. A limiter backend
// error lets the request through; the protocol behind it keeps its own
// fail-closed limit.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = IPKey
	}
	if cfg.Message == "" {
		cfg.Message = "Too many requests. Try again later."
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.SkipFunc != nil && cfg.SkipFunc(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.KeyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := cfg.Limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WarnContext(r.Context(), "Rate limiter unavailable", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				response.RateLimit(w, cfg.Message)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey keys requests by client address.
func IPKey(r *http.Request) string {
	if ip := ClientIP(r); ip != "" {
		return "ip:" + ip
	}
	return ""
}

// ClientIP extracts the real client IP from the request
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP if there are multiple
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
