package reload

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/pkg/apperror"
)

// Handler exposes the reload operations on the admin surfaces.
type Handler struct {
	svc    *Service
	fanout *Fanout
}

func NewHandler(svc *Service, fanout *Fanout) *Handler {
	return &Handler{svc: svc, fanout: fanout}
}

// ReloadNamespace handles POST /admin/reload/:namespace.
func (h *Handler) ReloadNamespace(c echo.Context) error {
	ns := c.Param("namespace")
	if ns != "shared" {
		if err := registry.ValidateNamespace(ns); err != nil {
			return err
		}
	}

	result, err := h.svc.ReloadNamespace(ns)
	if err != nil {
		if appErr, ok := err.(*apperror.Error); ok {
			return appErr
		}
		return apperror.NewInternal("Reload failed", err)
	}

	h.fanout.Broadcast(c.Request().Context())
	return c.JSON(http.StatusOK, result)
}

// ReloadAll handles POST /admin/reload.
func (h *Handler) ReloadAll(c echo.Context) error {
	results, err := h.svc.ReloadAll(c.Request().Context())
	if err != nil {
		return apperror.NewInternal("Reload failed", err)
	}

	h.fanout.Broadcast(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// FastMCPReload handles the sibling broadcast receiver. It re-runs the
// loader without broadcasting again, so fan-outs cannot loop.
func (h *Handler) FastMCPReload(c echo.Context) error {
	results, err := h.svc.ReloadAll(c.Request().Context())
	if err != nil {
		return apperror.NewInternal("Reload failed", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}
