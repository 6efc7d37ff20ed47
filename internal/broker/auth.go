package broker

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/sweetlink/sweetlink/internal/token"
)

const tokenHeader = "X-SweetLink-Token"

// AuthMiddleware requires a valid cli-scoped token on every request.
func (s *Server) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tok := extractToken(c.Request())
		if tok == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing authentication token")
		}

		payload, err := token.VerifyAt(s.secret, tok, token.ScopeCLI, s.now())
		switch {
		case err == nil:
		case errors.Is(err, token.ErrExpired):
			return echo.NewHTTPError(http.StatusUnauthorized, "Authentication token expired")
		case errors.Is(err, token.ErrScopeMismatch):
			return echo.NewHTTPError(http.StatusForbidden, "Token scope does not allow this request")
		default:
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authentication token")
		}

		c.Set("subject", payload.Subject)
		return next(c)
	}
}

// RateLimitMiddleware limits requests per client IP. The bridge endpoint is
// exempt; pages reconnecting in bulk must not be turned away.
func (s *Server) RateLimitMiddleware() echo.MiddlewareFunc {
	rl := s.cfg.RateLimit
	if !rl.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	rps := rl.RPS
	if rps <= 0 {
		rps = 20
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 40
	}

	config := middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == s.cfg.Daemon.WSPath || c.Path() == "/health"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(rps),
				Burst:     burst,
				ExpiresIn: 0,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(context echo.Context, err error) error {
			return context.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests",
			})
		},
		DenyHandler: func(context echo.Context, identifier string, err error) error {
			return context.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded",
			})
		},
	}

	return middleware.RateLimiterWithConfig(config)
}

func extractToken(r *http.Request) string {
	// 1. Authorization: Bearer <token>
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}

	// 2. X-SweetLink-Token
	if tok := r.Header.Get(tokenHeader); tok != "" {
		return tok
	}

	// 3. Query parameter ?token=<token>
	return r.URL.Query().Get("token")
}
