// Package loader builds registry entries from per-namespace YAML manifests.
// Native tool code is compiled in: manifests bind tool names to handlers
// published in a Catalog, so a reload is a fresh read of the manifests.
package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tooldock/tooldock/domain/registry"
)

// CatalogEntry is a compiled-in handler with its default metadata. A
// manifest may override the description and input schema.
type CatalogEntry struct {
	Description string
	InputSchema map[string]any
	Handler     registry.Handler
}

// Catalog maps stable handler keys to compiled-in handlers. Embedding
// programs add their own handlers before the loader runs.
type Catalog struct {
	mu       sync.RWMutex
	handlers map[string]CatalogEntry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{handlers: make(map[string]CatalogEntry)}
}

// Add publishes a handler under a key. Re-adding a key overwrites it.
func (c *Catalog) Add(key string, entry CatalogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[key] = entry
}

// Get looks up a handler by key.
func (c *Catalog) Get(key string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.handlers[key]
	return entry, ok
}

// Keys returns the published handler keys, sorted.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultCatalog ships the built-in handlers used by the examples.
func DefaultCatalog() *Catalog {
	c := NewCatalog()

	c.Add("greet", CatalogEntry{
		Description: "Greet a person by name",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Name to greet",
					"default":     "World",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			name, _ := args["name"].(string)
			if name == "" {
				name = "World"
			}
			return fmt.Sprintf("Hello, %s!", name), nil
		},
	})

	c.Add("echo", CatalogEntry{
		Description: "Echo the message back",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["message"], nil
		},
	})

	c.Add("add", CatalogEntry{
		Description: "Add two numbers",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"a", "b"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return a + b, nil
		},
	})

	return c
}
