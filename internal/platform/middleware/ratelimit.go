package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/throttle"
)

// RateLimitConfig holds per-caller request limits.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// Now is used for Retry-After. Defaults to time.Now.
	Now func() time.Time
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Requests: 600, Window: time.Minute}
}

// rateLimitKey identifies the caller: the authenticated organization, then
// the session subject, then the client IP.
func rateLimitKey(c echo.Context) string {
	ctx := c.Request().Context()
	if org := auth.OrganizationIDFromContext(ctx); org != "" {
		return "req:org:" + org
	}
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return "req:user:" + uid
	}
	return "req:ip:" + c.RealIP()
}

// RateLimit limits requests per caller through store. Mount it after the
// authentication middleware so the caller is known. A store failure lets
// the request through and logs; authorization decisions do not depend on
// this limiter.
func RateLimit(store throttle.Store, cfg RateLimitConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limit := strconv.Itoa(cfg.Requests)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d, err := store.Allow(c.Request().Context(), rateLimitKey(c), cfg.Requests, cfg.Window)
			if err != nil {
				logger.Warn().Err(err).Msg("rate limit store unavailable")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(d.RetryAfter(cfg.Now()) / time.Second)
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
