package health

import (
	"github.com/tooldock/tooldock/internal/server"
)

// RegisterRoutes mounts health and metrics on the admin surface. Both stay
// unauthenticated so probes and scrapers work without credentials.
func RegisterRoutes(f *server.Frontends, h *Handler) {
	e := f.Web

	e.GET("/health", h.Health)
	e.GET("/healthz", h.Healthz)
	e.GET("/metrics", h.Metrics)
}
