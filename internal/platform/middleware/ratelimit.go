package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 600,
		Window:   time.Minute,
	}
}

// RateLimit returns a sliding-window limiter keyed by the authenticated user,
// falling back to the client IP for anonymous requests. It must run after the
// auth middleware. A non-positive request count disables limiting.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Requests <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	limiter := httprate.Limit(cfg.Requests, cfg.Window,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"rate limit exceeded"}`))
		}),
	)
	return echo.WrapMiddleware(limiter)
}

func rateLimitKey(r *http.Request) (string, error) {
	if userID := auth.UserIDFromContext(r.Context()); userID != "" {
		return "user:" + userID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
