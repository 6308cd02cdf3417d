// Package auth implements the shared-secret access control for all three
// frontends: bearer token for APIs and HTTP Basic for browser-only routes.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
)

var Module = fx.Module("auth",
	fx.Provide(NewMiddleware),
)

// Middleware guards routes with the shared BEARER_TOKEN secret. When the
// token is unset or whitespace, auth is disabled and every guard passes.
type Middleware struct {
	cfg *config.Config
	log *slog.Logger
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(cfg *config.Config, log *slog.Logger) *Middleware {
	return &Middleware{
		cfg: cfg,
		log: log.With(logger.Scope("auth")),
	}
}

// Enabled reports whether access control is active.
func (m *Middleware) Enabled() bool {
	return m.cfg.AuthEnabled()
}

// RequireBearer returns middleware that validates
// "Authorization: Bearer <token>" against the shared secret.
func (m *Middleware) RequireBearer() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.Enabled() {
				return next(c)
			}
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !m.tokenMatches(token) {
				return apperror.ErrUnauthorized
			}
			return next(c)
		}
	}
}

// RequireBasic returns middleware for browser-only routes: HTTP Basic with
// the configured admin username and the bearer token as password.
func (m *Middleware) RequireBasic() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.Enabled() {
				return next(c)
			}
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			payload, ok := strings.CutPrefix(header, "Basic ")
			if !ok {
				return m.challenge(c)
			}
			decoded, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return m.challenge(c)
			}
			username, password, ok := strings.Cut(string(decoded), ":")
			if !ok || !constantTimeEqual(username, m.cfg.AdminUsername) || !m.tokenMatches(password) {
				return m.challenge(c)
			}
			return next(c)
		}
	}
}

func (m *Middleware) challenge(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="tooldock"`)
	return apperror.ErrUnauthorized
}

// tokenMatches compares a presented credential against the shared secret in
// constant time. Hashing first makes the comparison length-independent.
func (m *Middleware) tokenMatches(presented string) bool {
	return constantTimeEqual(presented, strings.TrimSpace(m.cfg.BearerToken))
}

func constantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
