package registry

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/metrics"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := &config.Config{ToolTimeoutSeconds: 1}
	return NewRegistry(cfg, slog.Default(), metrics.NewMetrics())
}

func greetEntry() *Entry {
	return &Entry{
		Name:        "greet",
		Description: "Greets a person by name",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			name, _ := args["name"].(string)
			if name == "" {
				name = "World"
			}
			return fmt.Sprintf("Hello, %s!", name), nil
		},
	}
}

func TestRegisterAndCall(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(greetEntry(), "shared"))

	result, err := r.Call(context.Background(), "greet", map[string]any{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Alice!", result)

	result, err = r.Call(context.Background(), "greet", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", result)
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(greetEntry(), "shared"))

	err := r.Register(greetEntry(), "shared")
	require.Error(t, err)
	assert.Equal(t, "duplicate_tool", apperror.CodeOf(err))

	// names are globally unique, so the same name in another namespace
	// also collides
	err = r.Register(greetEntry(), "team")
	require.Error(t, err)
	assert.Equal(t, "duplicate_tool", apperror.CodeOf(err))
}

func TestNamespaceModeExclusive(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(greetEntry(), "shared"))

	caller := CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return nil, nil
	})
	err := r.RegisterExternal("shared:remote", "", map[string]any{}, "srv-1", "remote", caller, "shared")
	require.Error(t, err)
	assert.Equal(t, "namespace_invalid", apperror.CodeOf(err))

	require.NoError(t, r.RegisterExternal("weather:forecast", "", map[string]any{}, "srv-1", "forecast", caller, "weather"))
	entry := greetEntry()
	entry.Name = "local"
	err = r.Register(entry, "weather")
	require.Error(t, err)
	assert.Equal(t, "namespace_invalid", apperror.CodeOf(err))
}

func TestCallValidation(t *testing.T) {
	r := newTestRegistry(t)
	invoked := false
	entry := &Entry{
		Name: "add",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"a", "b"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			invoked = true
			return args["a"].(float64) + args["b"].(float64), nil
		},
	}
	require.NoError(t, r.Register(entry, "shared"))

	tests := []struct {
		name string
		args map[string]any
	}{
		{"wrong type", map[string]any{"a": 1.0, "b": "x"}},
		{"missing required", map[string]any{"a": 1.0}},
		{"extra property", map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Call(context.Background(), "add", tt.args)
			require.Error(t, err)
			assert.Equal(t, "validation_error", apperror.CodeOf(err))
			assert.False(t, invoked, "handler must not run on invalid arguments")
		})
	}

	result, err := r.Call(context.Background(), "add", map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result)
}

func TestCallTimeout(t *testing.T) {
	r := newTestRegistry(t)
	entry := &Entry{
		Name:        "slow",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	require.NoError(t, r.Register(entry, "shared"))

	_, err := r.Call(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Equal(t, "tool_timeout", apperror.CodeOf(err))
}

func TestCallCancelledByCaller(t *testing.T) {
	r := newTestRegistry(t)
	block := make(chan struct{})
	defer close(block)
	entry := &Entry{
		Name:        "slow",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			<-block
			return nil, nil
		},
	}
	require.NoError(t, r.Register(entry, "shared"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a cancelled caller maps to the tool error taxonomy, not a bare
	// context error
	_, err := r.Call(ctx, "slow", nil)
	require.Error(t, err)
	assert.Equal(t, "tool_error", apperror.CodeOf(err))
}

func TestCallNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Call(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, "tool_not_found", apperror.CodeOf(err))
}

func TestCallHandlerPanic(t *testing.T) {
	r := newTestRegistry(t)
	entry := &Entry{
		Name:        "boom",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			panic("kaboom")
		},
	}
	require.NoError(t, r.Register(entry, "shared"))

	_, err := r.Call(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.Equal(t, "internal_error", apperror.CodeOf(err))
}

func TestNameTieBreaks(t *testing.T) {
	r := newTestRegistry(t)
	caller := CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return "from " + name, nil
	})
	require.NoError(t, r.RegisterExternal("weather:forecast", "", map[string]any{}, "srv-1", "forecast", caller, "weather"))

	// unique suffix match
	result, err := r.Call(context.Background(), "forecast", nil)
	require.NoError(t, err)
	assert.Equal(t, "from forecast", result)

	// prefix strip
	result, err = r.Call(context.Background(), "default__weather:forecast", nil)
	require.NoError(t, err)
	assert.Equal(t, "from forecast", result)

	// ambiguous suffix is not resolved
	require.NoError(t, r.RegisterExternal("climate:forecast", "", map[string]any{}, "srv-2", "forecast", caller, "climate"))
	_, err = r.Call(context.Background(), "forecast", nil)
	require.Error(t, err)
	assert.Equal(t, "tool_not_found", apperror.CodeOf(err))
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(greetEntry(), "shared"))
	require.True(t, r.HasNamespace("shared"))

	require.NoError(t, r.Unregister("greet"))
	assert.False(t, r.HasNamespace("shared"))
	assert.Equal(t, "tool_not_found", apperror.CodeOf(r.Unregister("greet")))

	// namespace mode is released with the last tool
	caller := CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return nil, nil
	})
	require.NoError(t, r.RegisterExternal("shared:x", "", map[string]any{}, "srv", "x", caller, "shared"))
}

func TestUnregisterServer(t *testing.T) {
	r := newTestRegistry(t)
	caller := CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return nil, nil
	})
	require.NoError(t, r.RegisterExternal("weather:a", "", map[string]any{}, "srv-1", "a", caller, "weather"))
	require.NoError(t, r.RegisterExternal("weather:b", "", map[string]any{}, "srv-1", "b", caller, "weather"))
	require.NoError(t, r.Register(greetEntry(), "shared"))

	assert.Equal(t, 2, r.UnregisterServer("srv-1"))
	assert.False(t, r.HasNamespace("weather"))
	assert.True(t, r.HasNamespace("shared"))
	assert.Equal(t, 0, r.UnregisterServer("srv-1"))
}

func TestListForNamespaceSorted(t *testing.T) {
	r := newTestRegistry(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		entry := greetEntry()
		entry.Name = name
		require.NoError(t, r.Register(entry, "shared"))
	}

	list := r.ListForNamespace("shared")
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)

	// schemas are strict even when the author omitted the flag
	assert.Equal(t, false, list[0].InputSchema["additionalProperties"])
}

func TestListAllTagged(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(greetEntry(), "shared"))
	caller := CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return nil, nil
	})
	require.NoError(t, r.RegisterExternal("weather:forecast", "", map[string]any{}, "srv-1", "forecast", caller, "weather"))

	all := r.ListAll()
	require.Len(t, all, 2)
	assert.Equal(t, "native", all[0].Type)
	assert.Equal(t, "shared", all[0].Namespace)
	assert.Equal(t, "external", all[1].Type)
}

func TestIndexQueries(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(greetEntry(), "shared"))

	assert.True(t, r.ToolInNamespace("greet", "shared"))
	assert.False(t, r.ToolInNamespace("greet", "team"))

	ns, ok := r.GetNamespace("greet")
	require.True(t, ok)
	assert.Equal(t, "shared", ns)

	_, ok = r.GetNamespace("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"shared"}, r.Namespaces())
	assert.Equal(t, []string{"shared"}, r.NativeNamespaces())
	assert.Equal(t, []string{"greet"}, r.ToolNames("shared"))
	assert.False(t, r.IsExternalNamespace("shared"))
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(greetEntry(), "shared"))
	caller := CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return nil, nil
	})
	require.NoError(t, r.RegisterExternal("weather:forecast", "", map[string]any{}, "srv-1", "forecast", caller, "weather"))

	stats := r.Stats()
	assert.Equal(t, 1, stats.Native)
	assert.Equal(t, 1, stats.External)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Namespaces)
	assert.Equal(t, "native", stats.PerNS["shared"].Mode)
	assert.Equal(t, "external", stats.PerNS["weather"].Mode)
}
