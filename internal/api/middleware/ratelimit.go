package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/wareflow-io/wareflow/internal/config"
)

const (
	burstCapacityMultiplier = 2
	defaultGlobalRPS        = 100
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// The read API is unauthenticated, so a single global token bucket is
	// enough; the interface exists so a distributed limiter can replace it
	// without touching the middleware when the service scales out.
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		Allow() bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Uses a token bucket with burst capacity of 2 × rate unless overridden,
	// allowing short bursts above the sustained request rate.
	InMemoryRateLimiter struct {
		global *rate.Limiter
	}

	// RateLimitConfig holds rate limiter configuration.
	RateLimitConfig struct {
		RPS   int // Sustained requests per second across all clients
		Burst int // Bucket capacity; 0 means 2 × RPS
	}
)

// LoadRateLimitConfig loads rate limiter configuration from environment
// variables with fallback to defaults.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RPS:   config.GetEnvInt("SERVER_RATE_LIMIT_RPS", defaultGlobalRPS),
		Burst: config.GetEnvInt("SERVER_RATE_LIMIT_BURST", 0),
	}
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter.
func NewInMemoryRateLimiter(cfg *RateLimitConfig) *InMemoryRateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS * burstCapacityMultiplier
	}

	return &InMemoryRateLimiter{
		global: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
	}
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow() bool {
	return rl.global.Allow()
}

// RateLimit creates a middleware that rejects requests over the limit with
// 429 Too Many Requests.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				requestID := GetRequestID(r.Context())

				logger.Warn("request rate limited",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("request_id", requestID),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				body := struct {
					Detail string `json:"detail"`
				}{Detail: "Too many requests"}

				if err := json.NewEncoder(w).Encode(body); err != nil {
					logger.Error("Failed to encode rate limit response",
						slog.Any("error", err),
						slog.String("request_id", requestID),
					)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
