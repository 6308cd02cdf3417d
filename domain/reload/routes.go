package reload

import (
	"github.com/tooldock/tooldock/internal/server"
	"github.com/tooldock/tooldock/pkg/auth"
)

// RegisterRoutes mounts the reload endpoints: admin triggers on the web
// surface, the fan-out receiver on the MCP surface.
func RegisterRoutes(f *server.Frontends, h *Handler, authMiddleware *auth.Middleware) {
	admin := f.Web.Group("/admin", authMiddleware.RequireBearer())
	admin.POST("/reload", h.ReloadAll)
	admin.POST("/reload/:namespace", h.ReloadNamespace)

	mcpAdmin := f.MCP.Group("/admin", authMiddleware.RequireBearer())
	mcpAdmin.POST("/fastmcp/reload", h.FastMCPReload)
}
