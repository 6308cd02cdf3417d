package supervisor

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tooldock/tooldock/domain/extconfig"
	"github.com/tooldock/tooldock/domain/reload"
	"github.com/tooldock/tooldock/pkg/apperror"
)

// Handler exposes the external server admin API.
type Handler struct {
	svc       *Service
	extconfig *extconfig.Service
	fanout    *reload.Fanout
}

func NewHandler(svc *Service, ext *extconfig.Service, fanout *reload.Fanout) *Handler {
	return &Handler{svc: svc, extconfig: ext, fanout: fanout}
}

// Install handles POST /admin/servers.
func (h *Handler) Install(c echo.Context) error {
	var req InstallRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}

	server, err := h.svc.Install(c.Request().Context(), req)
	if err != nil {
		return err
	}

	h.fanout.Broadcast(c.Request().Context())
	return c.JSON(http.StatusCreated, server.ToDTO())
}

// SafetyCheck handles POST /admin/servers/safety-check. Advisory only; no
// state changes.
func (h *Handler) SafetyCheck(c echo.Context) error {
	var req InstallRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}
	return c.JSON(http.StatusOK, h.svc.installer.CheckSafety(req))
}

// List handles GET /admin/servers. Listings are always masked.
func (h *Handler) List(c echo.Context) error {
	servers, err := h.svc.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"servers": servers})
}

// Get handles GET /admin/servers/:id.
func (h *Handler) Get(c echo.Context) error {
	dto, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dto)
}

// Start handles POST /admin/servers/:id/start.
func (h *Handler) Start(c echo.Context) error {
	if err := h.svc.Start(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	h.fanout.Broadcast(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"status": "running"})
}

// Stop handles POST /admin/servers/:id/stop.
func (h *Handler) Stop(c echo.Context) error {
	if err := h.svc.Stop(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	h.fanout.Broadcast(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"status": "stopped"})
}

// Restart handles POST /admin/servers/:id/restart.
func (h *Handler) Restart(c echo.Context) error {
	if err := h.svc.Restart(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	h.fanout.Broadcast(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"status": "running"})
}

// Delete handles DELETE /admin/servers/:id.
func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	h.fanout.Broadcast(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

// SyncReload handles POST /admin/servers/reload, the sibling fan-out
// receiver. It reconciles from the database without broadcasting again.
func (h *Handler) SyncReload(c echo.Context) error {
	if err := h.svc.SyncFromDB(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "synced"})
}

// Registry handles GET /admin/registry: the advisory cached listings.
func (h *Handler) Registry(c echo.Context) error {
	entries, err := h.svc.CachedListings(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

// Config handles GET /admin/config: the operator config with secrets
// masked, ${VAR} indirections preserved.
func (h *Handler) Config(c echo.Context) error {
	file, err := h.extconfig.Load()
	if err != nil {
		return apperror.NewInternal("Could not read external config", err)
	}
	return c.JSON(http.StatusOK, file.Masked())
}
