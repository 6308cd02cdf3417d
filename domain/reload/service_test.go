package reload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tooldock/tooldock/domain/loader"
	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/metrics"
	"github.com/tooldock/tooldock/pkg/sse"
)

func newTestService(t *testing.T) (*Service, *registry.Registry, *config.Config) {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir(), ToolTimeoutSeconds: 5, FanoutDisabled: true}
	reg := registry.NewRegistry(cfg, slog.Default(), metrics.NewMetrics())
	ld := loader.NewLoader(cfg, slog.Default(), loader.DefaultCatalog(), reg)
	svc := NewService(cfg, slog.Default(), ld, reg, sse.NewBroker())
	return svc, reg, cfg
}

func writeManifest(t *testing.T, cfg *config.Config, ns, file, content string) {
	t.Helper()
	dir := filepath.Join(cfg.ToolsDir(), ns)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestReloadNamespace(t *testing.T) {
	svc, reg, cfg := newTestService(t)
	writeManifest(t, cfg, "team", "tools.yaml", `
tools:
  - name: team-greet
    handler: greet
`)

	result, err := svc.ReloadNamespace("team")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Unloaded)
	assert.Equal(t, 1, result.Loaded)
	assert.True(t, result.Success)

	// manifest change is picked up on the next reload
	writeManifest(t, cfg, "team", "tools.yaml", `
tools:
  - name: team-greet
    handler: greet
  - name: team-echo
    handler: echo
`)
	result, err = svc.ReloadNamespace("team")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unloaded)
	assert.Equal(t, 2, result.Loaded)
	assert.ElementsMatch(t, []string{"team-greet", "team-echo"}, reg.ToolNames("team"))
}

func TestReloadIdempotent(t *testing.T) {
	svc, reg, cfg := newTestService(t)
	writeManifest(t, cfg, "team", "tools.yaml", `
tools:
  - name: team-greet
    handler: greet
`)

	_, err := svc.ReloadNamespace("team")
	require.NoError(t, err)
	first := reg.ListForNamespace("team")

	_, err = svc.ReloadNamespace("team")
	require.NoError(t, err)
	assert.Equal(t, first, reg.ListForNamespace("team"))
}

func TestReloadExternalRefused(t *testing.T) {
	svc, reg, _ := newTestService(t)
	caller := registry.CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return nil, nil
	})
	require.NoError(t, reg.RegisterExternal("weather:forecast", "", map[string]any{}, "srv-1", "forecast", caller, "weather"))

	_, err := svc.ReloadNamespace("weather")
	require.Error(t, err)
	assert.Equal(t, "cannot_reload_external", apperror.CodeOf(err))
	// the external tools stay registered
	assert.True(t, reg.HasNamespace("weather"))
}

func TestReloadMissingDirectory(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.ReloadNamespace("ghost")
	require.Error(t, err)
	assert.Equal(t, "namespace_not_found", apperror.CodeOf(err))
}

func TestReloadRemovedDirectoryKeepsTools(t *testing.T) {
	svc, reg, cfg := newTestService(t)
	writeManifest(t, cfg, "team", "tools.yaml", `
tools:
  - name: team-greet
    handler: greet
`)
	_, err := svc.ReloadNamespace("team")
	require.NoError(t, err)

	// the refusal must come before any unregistration
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.ToolsDir(), "team")))
	_, err = svc.ReloadNamespace("team")
	require.Error(t, err)
	assert.Equal(t, "namespace_not_found", apperror.CodeOf(err))
	assert.True(t, reg.HasNamespace("team"))
	assert.ElementsMatch(t, []string{"team-greet"}, reg.ToolNames("team"))
}

func TestReloadEmptiedDirectoryWithdrawsTools(t *testing.T) {
	svc, reg, cfg := newTestService(t)
	writeManifest(t, cfg, "team", "tools.yaml", `
tools:
  - name: team-greet
    handler: greet
`)
	_, err := svc.ReloadNamespace("team")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(cfg.ToolsDir(), "team", "tools.yaml")))
	result, err := svc.ReloadNamespace("team")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unloaded)
	assert.Equal(t, 0, result.Loaded)
	assert.False(t, reg.HasNamespace("team"))
}

func TestReloadAll(t *testing.T) {
	svc, reg, cfg := newTestService(t)
	writeManifest(t, cfg, "shared", "tools.yaml", `
tools:
  - name: greet
    handler: greet
`)
	writeManifest(t, cfg, "team", "tools.yaml", `
tools:
  - name: team-echo
    handler: echo
`)

	results, err := svc.ReloadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, "namespace %s", r.Namespace)
	}
	assert.ElementsMatch(t, []string{"shared", "team"}, reg.Namespaces())
}

func TestReloadPublishesEvent(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir(), ToolTimeoutSeconds: 5, FanoutDisabled: true}
	reg := registry.NewRegistry(cfg, slog.Default(), metrics.NewMetrics())
	ld := loader.NewLoader(cfg, slog.Default(), loader.DefaultCatalog(), reg)
	broker := sse.NewBroker()
	svc := NewService(cfg, slog.Default(), ld, reg, broker)

	writeManifest(t, cfg, "team", "tools.yaml", `
tools:
  - name: team-greet
    handler: greet
`)

	sub := broker.SubscribeNamespace("team")
	defer sub.Cancel()

	_, err := svc.ReloadNamespace("team")
	require.NoError(t, err)

	msg := <-sub.C
	assert.Equal(t, "reload", msg.Event)
}
