package middleware

import (
	"net/http"
	"strconv"
	"time"
)

const rateLimitKeyPrefix = "carevisit:ratelimit:"

// RateLimitConfig holds configuration for a specific rate limit
type RateLimitConfig struct {
	// Name separates the counters of different routes
	Name   string
	Limit  int
	Window time.Duration
	KeyFn  func(*http.Request) string
}

// RateLimit creates a fixed-window rate limiting middleware backed by
// Redis. Requests pass when Redis is unavailable.
func (m *Middleware) RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !m.cfg.Security.RateLimiting.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKeyPrefix + cfg.Name + ":" + cfg.KeyFn(r)

			count, ttl, err := m.rdb.CountInWindow(r.Context(), key, cfg.Window)
			if err != nil {
				m.log.Error().Err(err).Str("limit", cfg.Name).Msg("failed to count request, allowing")
				next.ServeHTTP(w, r)
				return
			}
			if ttl < 0 {
				ttl = cfg.Window
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, cfg.Limit-int(count))))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))

			if int(count) > cfg.Limit {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(ttl.Seconds()), 10))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey returns the client IP address as the rate limit key
func IPKey(r *http.Request) string {
	return ClientIP(r)
}
