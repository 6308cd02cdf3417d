package supervisor

import (
	"github.com/tooldock/tooldock/internal/server"
	"github.com/tooldock/tooldock/pkg/auth"
)

// RegisterRoutes mounts the external server admin API on the web surface.
func RegisterRoutes(f *server.Frontends, h *Handler, authMiddleware *auth.Middleware) {
	admin := f.Web.Group("/admin", authMiddleware.RequireBearer())

	admin.POST("/servers", h.Install)
	admin.POST("/servers/safety-check", h.SafetyCheck)
	admin.GET("/servers", h.List)
	admin.POST("/servers/reload", h.SyncReload)
	admin.GET("/servers/:id", h.Get)
	admin.POST("/servers/:id/start", h.Start)
	admin.POST("/servers/:id/stop", h.Stop)
	admin.POST("/servers/:id/restart", h.Restart)
	admin.DELETE("/servers/:id", h.Delete)

	admin.GET("/registry", h.Registry)
	admin.GET("/config", h.Config)
}
