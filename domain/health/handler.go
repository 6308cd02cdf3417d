// Package health serves the admin surface's liveness, readiness, and
// Prometheus endpoints.
package health

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"

	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/version"
	"github.com/tooldock/tooldock/pkg/metrics"
)

// Handler handles health check requests.
type Handler struct {
	db      *bun.DB
	reg     *registry.Registry
	mtr     *metrics.Metrics
	startAt time.Time
}

func NewHandler(db *bun.DB, reg *registry.Registry, mtr *metrics.Metrics) *Handler {
	return &Handler{
		db:      db,
		reg:     reg,
		mtr:     mtr,
		startAt: time.Now(),
	}
}

// Check is an individual health check result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health returns overall service health including database connectivity.
func (h *Handler) Health(c echo.Context) error {
	checks := map[string]Check{}
	status := "ok"
	httpStatus := http.StatusOK

	if err := h.db.PingContext(c.Request().Context()); err != nil {
		checks["database"] = Check{Status: "error", Message: err.Error()}
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = Check{Status: "ok"}
	}

	return c.JSON(httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startAt).Round(time.Second).String(),
		"version":   version.Version,
		"tools":     h.reg.Stats(),
		"checks":    checks,
	})
}

// Healthz is the minimal liveness probe.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Metrics serves the Prometheus exposition endpoint.
func (h *Handler) Metrics(c echo.Context) error {
	h.mtr.HTTPHandler().ServeHTTP(c.Response(), c.Request())
	return nil
}
