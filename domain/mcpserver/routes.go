package mcpserver

import (
	"github.com/tooldock/tooldock/internal/server"
	"github.com/tooldock/tooldock/pkg/auth"
)

// RegisterRoutes mounts the MCP transport on the MCP frontend. Everything
// except /health sits behind bearer auth.
func RegisterRoutes(f *server.Frontends, h *Handler, authMiddleware *auth.Middleware) {
	e := f.MCP

	e.GET("/health", h.Health)

	g := e.Group("", authMiddleware.RequireBearer())

	g.POST("/mcp", h.Endpoint)
	g.GET("/mcp", h.Endpoint)
	g.DELETE("/mcp", h.Endpoint)
	g.GET("/mcp/info", h.Info)
	g.GET("/mcp/namespaces", h.Namespaces)

	// compatibility aliases
	g.GET("/mcp/sse", h.Endpoint)
	g.POST("/mcp/sse", h.Endpoint)

	g.POST("/:namespace/mcp", h.Endpoint)
	g.GET("/:namespace/mcp", h.Endpoint)
	g.DELETE("/:namespace/mcp", h.Endpoint)
	g.GET("/:namespace/mcp/info", h.Info)
	g.GET("/:namespace/mcp/sse", h.Endpoint)
	g.POST("/:namespace/mcp/sse", h.Endpoint)
}
