// Package registry maintains the namespace-partitioned tool catalog. All
// frontends resolve and invoke tools through it.
package registry

import (
	"context"
	"regexp"

	"github.com/tooldock/tooldock/pkg/apperror"
)

// Handler executes a native tool with validated arguments. The context
// carries the per-call deadline; handlers doing I/O must honor it.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// ToolCaller forwards a call to an external server. Implemented by the
// proxy client via CallerFunc.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (any, error)
}

// CallerFunc adapts a function to the ToolCaller interface.
type CallerFunc func(ctx context.Context, name string, arguments map[string]any) (any, error)

func (f CallerFunc) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	return f(ctx, name, arguments)
}

// Entry is one catalog record, native or external.
type Entry struct {
	Name        string
	Description string
	InputSchema map[string]any
	Namespace   string

	// Native entries carry a handler.
	Handler Handler

	// External entries delegate to a proxy instead.
	External     bool
	ServerID     string
	OriginalName string
	Proxy        ToolCaller

	compiled *compiledSchema
}

// Descriptor is the client-facing shape of an entry.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Namespace   string         `json:"namespace,omitempty"`
	Type        string         `json:"type,omitempty"` // native | external
}

// NamespaceStats is the per-namespace slice of Stats.
type NamespaceStats struct {
	Native   int    `json:"native"`
	External int    `json:"external"`
	Mode     string `json:"mode"` // native | external
}

// Stats summarizes catalog contents.
type Stats struct {
	Native     int                       `json:"native"`
	External   int                       `json:"external"`
	Total      int                       `json:"total"`
	Namespaces int                       `json:"namespaces"`
	PerNS      map[string]NamespaceStats `json:"per_namespace"`
}

var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,49}$`)

// ReservedNamespaces are names that collide with static routes and must
// never be accepted as user namespaces.
var ReservedNamespaces = map[string]struct{}{
	"api": {}, "mcp": {}, "openapi": {}, "docs": {}, "assets": {},
	"health": {}, "tools": {}, "static": {}, "shared": {}, "external": {},
	"config": {}, "cache": {}, "tmp": {}, "temp": {},
}

// IsReservedNamespace reports whether name collides with a static route.
func IsReservedNamespace(name string) bool {
	_, ok := ReservedNamespaces[name]
	return ok
}

// IsReservedRoute reports whether the MCP router must 404 a {namespace}
// path segment. "shared" is the built-in namespace: operators cannot
// create it, but its routes stay reachable.
func IsReservedRoute(name string) bool {
	return name != "shared" && IsReservedNamespace(name)
}

// ValidateNamespace checks the namespace pattern and the reserved set.
func ValidateNamespace(name string) error {
	if !namespacePattern.MatchString(name) {
		return apperror.ErrNamespaceInvalid.WithMessage(
			"Namespace must match ^[a-z][a-z0-9_-]{1,49}$: '" + name + "'")
	}
	if IsReservedNamespace(name) {
		return apperror.ErrNamespaceInvalid.WithMessage(
			"Namespace '" + name + "' is reserved")
	}
	return nil
}
