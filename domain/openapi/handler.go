// Package openapi exposes every registry tool as a plain REST endpoint, one
// POST route per tool, with a generated OpenAPI 3.1 document describing the
// current catalog.
package openapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
)

// Handler serves the REST frontend.
type Handler struct {
	cfg *config.Config
	log *slog.Logger
	reg *registry.Registry
}

func NewHandler(cfg *config.Config, log *slog.Logger, reg *registry.Registry) *Handler {
	return &Handler{
		cfg: cfg,
		log: log.With(logger.Scope("openapi")),
		reg: reg,
	}
}

// Call executes a tool by name. The request body is the argument object;
// the response wraps the raw handler return.
func (h *Handler) Call(c echo.Context) error {
	ns, ok := h.routeNamespace(c)
	if !ok {
		return apperror.ErrNamespaceNotFound
	}

	name := c.Param("name")
	if ns != "" && !h.reg.ToolInNamespace(name, ns) {
		return apperror.ErrToolNotFound.WithMessage(
			fmt.Sprintf("Tool '%s' not found in namespace '%s'", name, ns))
	}

	var args map[string]any
	if err := c.Bind(&args); err != nil {
		return apperror.NewBadRequest("Request body must be a JSON object")
	}

	result, err := h.reg.Call(c.Request().Context(), name, args)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"tool":   name,
		"result": result,
	})
}

// List returns tool descriptors, scoped when a namespace is in the path.
func (h *Handler) List(c echo.Context) error {
	ns, ok := h.routeNamespace(c)
	if !ok {
		return apperror.ErrNamespaceNotFound
	}

	var descriptors []registry.Descriptor
	if ns != "" {
		descriptors = h.reg.ListForNamespace(ns)
	} else {
		descriptors = h.reg.ListAll()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tools": descriptors,
		"count": len(descriptors),
	})
}

// Health reports liveness. Unauthenticated.
func (h *Handler) Health(c echo.Context) error {
	ns, ok := h.routeNamespace(c)
	if !ok {
		return apperror.ErrNamespaceNotFound
	}

	body := map[string]any{"status": "ok"}
	if ns != "" {
		body["namespace"] = ns
		body["tools"] = len(h.reg.ListForNamespace(ns))
	} else {
		body["tools"] = h.reg.Stats()
	}
	return c.JSON(http.StatusOK, body)
}

// Spec serves the generated OpenAPI 3.1 document for the current catalog.
func (h *Handler) Spec(c echo.Context) error {
	return c.JSON(http.StatusOK, h.document())
}

func (h *Handler) routeNamespace(c echo.Context) (string, bool) {
	ns := c.Param("namespace")
	if ns == "" {
		return "", true
	}
	if registry.IsReservedRoute(ns) {
		return "", false
	}
	return ns, true
}

// document builds the OpenAPI 3.1 description from the live registry. The
// document is regenerated per request so it always reflects hot reloads.
func (h *Handler) document() map[string]any {
	paths := map[string]any{}
	for _, d := range h.reg.ListAll() {
		paths["/tools/"+d.Name] = map[string]any{
			"post": h.operation(d),
		}
	}

	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       h.cfg.MCPServerName,
			"description": "REST access to registered tools",
			"version":     "1.0.0",
		},
		"paths": paths,
	}

	if h.cfg.AuthEnabled() {
		doc["components"] = map[string]any{
			"securitySchemes": map[string]any{
				"bearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		}
		doc["security"] = []map[string]any{{"bearerAuth": []any{}}}
	}
	return doc
}

func (h *Handler) operation(d registry.Descriptor) map[string]any {
	schema := d.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	op := map[string]any{
		"operationId": "call_" + d.Name,
		"summary":     d.Description,
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{"schema": schema},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{
				"description": "Tool result",
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"tool":   map[string]any{"type": "string"},
								"result": map[string]any{},
							},
						},
					},
				},
			},
			"404": map[string]any{"description": "Unknown tool"},
			"422": map[string]any{"description": "Arguments failed schema validation"},
		},
	}
	if d.Namespace != "" {
		op["tags"] = []string{d.Namespace}
	}
	return op
}
