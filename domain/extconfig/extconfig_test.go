package extconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tooldock/tooldock/internal/config"
)

func newTestService(t *testing.T) (*Service, *config.Config) {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	return NewService(cfg, slog.Default()), cfg
}

func writeConfig(t *testing.T, cfg *config.Config, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.ExternalDir(), 0o755))
	require.NoError(t, os.WriteFile(cfg.ExternalConfigPath(), []byte(content), 0o644))
}

const sampleConfig = `
servers:
  weather:
    install_method: package
    package_identifier: mcp-weather
    package_registry_type: pypi
    transport_type: stdio
    startup_command: uvx
    command_args: [mcp-weather]
    auto_start: true
    env_vars:
      API_TOKEN: ${WEATHER_TOKEN}
      API_PASSWORD: hunter2
      REGION: eu-north
`

func TestLoadMissingFile(t *testing.T) {
	s, _ := newTestService(t)
	file, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, file.Servers)
}

func TestLoad(t *testing.T) {
	s, cfg := newTestService(t)
	writeConfig(t, cfg, sampleConfig)

	file, err := s.Load()
	require.NoError(t, err)
	require.Contains(t, file.Servers, "weather")

	entry := file.Servers["weather"]
	assert.Equal(t, "package", entry.InstallMethod)
	assert.True(t, entry.AutoStart)
	// raw load keeps the indirection
	assert.Equal(t, "${WEATHER_TOKEN}", entry.EnvVars["API_TOKEN"])
}

func TestLoadResolved(t *testing.T) {
	s, cfg := newTestService(t)
	writeConfig(t, cfg, sampleConfig)
	t.Setenv("WEATHER_TOKEN", "tok-999")

	file, err := s.LoadResolved()
	require.NoError(t, err)
	assert.Equal(t, "tok-999", file.Servers["weather"].EnvVars["API_TOKEN"])
	assert.Equal(t, "eu-north", file.Servers["weather"].EnvVars["REGION"])
}

func TestLoadBrokenYAML(t *testing.T) {
	s, cfg := newTestService(t)
	writeConfig(t, cfg, "servers: [")
	_, err := s.Load()
	require.Error(t, err)
}

func TestMasked(t *testing.T) {
	s, cfg := newTestService(t)
	writeConfig(t, cfg, sampleConfig)

	file, err := s.Load()
	require.NoError(t, err)

	masked := file.Masked()
	env := masked.Servers["weather"].EnvVars
	// ${VAR} references stay visible
	assert.Equal(t, "${WEATHER_TOKEN}", env["API_TOKEN"])
	// literal secrets are masked
	assert.Equal(t, MaskedValue, env["API_PASSWORD"])
	// non-secret keys pass through
	assert.Equal(t, "eu-north", env["REGION"])

	// the original is untouched
	assert.Equal(t, "hunter2", file.Servers["weather"].EnvVars["API_PASSWORD"])
}

func TestMaskValue(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"api_token", "abc", MaskedValue},
		{"SECRET", "abc", MaskedValue},
		{"db_password", "abc", MaskedValue},
		{"private_key", "abc", MaskedValue},
		{"aws_credential", "abc", MaskedValue},
		{"connection_string", "abc", MaskedValue},
		{"ConnectionString", "abc", MaskedValue},
		{"api_token", "${TOKEN}", "${TOKEN}"},
		{"region", "abc", "abc"},
		{"api_token", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskValue(tt.key, tt.value), "key=%s", tt.key)
	}
}

func TestMaskMapRecursive(t *testing.T) {
	doc := map[string]any{
		"name": "weather",
		"env_vars": map[string]any{
			"api_key": "literal",
			"region":  "eu",
		},
		"port": 30001,
	}
	masked := MaskMap(doc)
	nested := masked["env_vars"].(map[string]any)
	assert.Equal(t, MaskedValue, nested["api_key"])
	assert.Equal(t, "eu", nested["region"])
	assert.Equal(t, 30001, masked["port"])
}

func TestConfigPathUnderDataDir(t *testing.T) {
	_, cfg := newTestService(t)
	assert.Equal(t, filepath.Join(cfg.DataDir, "external", "config.yaml"), cfg.ExternalConfigPath())
}
