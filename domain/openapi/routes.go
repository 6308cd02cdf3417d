package openapi

import (
	"github.com/tooldock/tooldock/internal/server"
	"github.com/tooldock/tooldock/pkg/auth"
)

// RegisterRoutes mounts the REST tool surface on the OpenAPI frontend.
// Health stays open; everything else sits behind bearer auth.
func RegisterRoutes(f *server.Frontends, h *Handler, authMiddleware *auth.Middleware) {
	e := f.OpenAPI

	e.GET("/health", h.Health)
	e.GET("/:namespace/openapi/health", h.Health)

	g := e.Group("", authMiddleware.RequireBearer())

	g.GET("/openapi.json", h.Spec)
	g.GET("/tools", h.List)
	g.POST("/tools/:name", h.Call)

	g.GET("/:namespace/openapi/tools", h.List)
	g.POST("/:namespace/openapi/tools/:name", h.Call)
}
