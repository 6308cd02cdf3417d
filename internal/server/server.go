// Package server builds and runs the three HTTP frontends: MCP, OpenAPI,
// and admin/web. Each listens on its own port so sibling processes can fan
// reload notifications out to one another.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
)

var Module = fx.Module("server",
	fx.Provide(NewFrontends),
	fx.Invoke(StartServers),
)

// Frontends holds the per-port echo instances. Domain modules register
// their routes on the surface they belong to.
type Frontends struct {
	MCP     *echo.Echo
	OpenAPI *echo.Echo
	Web     *echo.Echo
}

// NewFrontends builds the three echo instances with the shared middleware
// stack.
func NewFrontends(cfg *config.Config, log *slog.Logger) *Frontends {
	return &Frontends{
		MCP:     newEcho(cfg, log, "mcp"),
		OpenAPI: newEcho(cfg, log, "openapi"),
		Web:     newEcho(cfg, log, "web"),
	}
}

func newEcho(cfg *config.Config, log *slog.Logger, surface string) *echo.Echo {
	log = log.With(logger.Scope("server." + surface))

	e := echo.New()
	e.Debug = cfg.Debug
	e.HideBanner = true
	e.HidePort = !cfg.Debug
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(log)

	e.Pre(middleware.RemoveTrailingSlash())

	corsConfig := middleware.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept,
			echo.HeaderAuthorization, "Mcp-Session-Id", "MCP-Protocol-Version",
		},
		ExposeHeaders: []string{"Mcp-Session-Id"},
	}
	if origins := cfg.AllowedOrigins(); origins != nil {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	} else {
		// Wildcard origins must not carry credentials.
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	e.Use(
		middleware.CORSWithConfig(corsConfig),
		middleware.RequestID(),
		middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				return c.Request().URL.Path == "/health"
			},
			LogURI:       true,
			LogStatus:    true,
			LogLatency:   true,
			LogError:     true,
			LogMethod:    true,
			LogRequestID: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				attrs := []any{
					slog.String("method", v.Method),
					slog.String("uri", v.URI),
					slog.Int("status", v.Status),
					slog.Duration("latency", v.Latency),
					slog.String("request_id", v.RequestID),
				}
				if v.Error != nil {
					attrs = append(attrs, logger.Error(v.Error))
					log.Error("request failed", attrs...)
				} else {
					log.Info("request", attrs...)
				}
				return nil
			},
		}),
		middleware.RecoverWithConfig(middleware.RecoverConfig{
			LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
				log.Error("panic recovered",
					logger.Error(err),
					slog.String("stack", string(stack)),
				)
				return nil
			},
		}),
	)

	return e
}

// StartServers runs the three listeners with graceful shutdown. Failure to
// bind any socket is fatal at process start.
func StartServers(lc fx.Lifecycle, f *Frontends, cfg *config.Config, log *slog.Logger) {
	log = log.With(logger.Scope("server"))

	surfaces := []struct {
		name string
		e    *echo.Echo
		port int
	}{
		{"mcp", f.MCP, cfg.MCPPort},
		{"openapi", f.OpenAPI, cfg.OpenAPIPort},
		{"web", f.Web, cfg.WebPort},
	}

	for _, s := range surfaces {
		server := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, s.port),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		}

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				log.Info("starting HTTP server",
					slog.String("surface", s.name),
					slog.String("address", server.Addr),
				)
				errCh := make(chan error, 1)
				go func() {
					if err := s.e.StartServer(server); err != nil && err != http.ErrServerClosed {
						log.Error("server stopped unexpectedly",
							slog.String("surface", s.name), logger.Error(err))
						errCh <- err
					}
				}()
				// A bind failure surfaces almost immediately; anything
				// later is handled by the goroutine's logging.
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			},
			OnStop: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
				defer cancel()
				log.Info("shutting down HTTP server", slog.String("surface", s.name))
				return s.e.Shutdown(ctx)
			},
		})
	}
}
