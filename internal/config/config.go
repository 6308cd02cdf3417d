package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all gateway configuration.
type Config struct {
	// Frontend ports. The MCP, OpenAPI and admin/web surfaces each listen
	// on their own port so sibling processes can fan out to one another.
	MCPPort     int    `env:"MCP_PORT" envDefault:"8080"`
	OpenAPIPort int    `env:"OPENAPI_PORT" envDefault:"8081"`
	WebPort     int    `env:"WEB_PORT" envDefault:"8082"`
	Host        string `env:"HOST" envDefault:"0.0.0.0"`

	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// DataDir is the root of the persisted layout (db/, tools/, external/,
	// venvs/, logs/).
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// DatabaseURL overrides the SQLite default with a Postgres DSN.
	DatabaseURL string `env:"DATABASE_URL"`

	// BearerToken enables auth when non-blank. The same secret backs HTTP
	// Basic for browser routes.
	BearerToken   string `env:"BEARER_TOKEN"`
	AdminUsername string `env:"ADMIN_USERNAME" envDefault:"admin"`

	// CORSOrigins is a comma-separated allow-list; "*" or empty allows any.
	CORSOrigins string `env:"CORS_ORIGINS"`

	// MCP protocol negotiation.
	MCPProtocolVersion  string   `env:"MCP_PROTOCOL_VERSION" envDefault:"2024-11-05"`
	MCPProtocolVersions []string `env:"MCP_PROTOCOL_VERSIONS" envSeparator:"," envDefault:"2024-11-05,2025-03-26"`
	MCPServerName       string   `env:"MCP_SERVER_NAME" envDefault:"tooldock"`

	// ToolTimeoutSeconds is the per-call deadline enforced by the registry.
	ToolTimeoutSeconds int `env:"TOOL_TIMEOUT_SECONDS" envDefault:"30"`

	// NamespaceMaxConcurrency bounds concurrent RPCs per external server.
	NamespaceMaxConcurrency int `env:"NAMESPACE_MAX_CONCURRENCY" envDefault:"8"`

	// ManageProcesses turns off subprocess spawning when false (read-only
	// sidecar deployments).
	ManageProcesses bool `env:"MANAGE_PROCESSES" envDefault:"true"`

	// FanoutDisabled suppresses the sibling reload broadcast (set in tests).
	FanoutDisabled bool `env:"FANOUT_DISABLED" envDefault:"false"`

	// Server timeouts.
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"28800s"` // long for SSE
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"28800s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// ToolTimeout returns the per-call deadline as a Duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// AuthEnabled reports whether bearer auth is active. A blank or
// whitespace-only token disables access control.
func (c *Config) AuthEnabled() bool {
	return strings.TrimSpace(c.BearerToken) != ""
}

// AllowedOrigins returns the parsed CORS allow-list. Empty means any origin.
func (c *Config) AllowedOrigins() []string {
	if c.CORSOrigins == "" || c.CORSOrigins == "*" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// FanoutHost returns the host used for sibling reload broadcasts.
// A wildcard bind address is normalized to loopback.
func (c *Config) FanoutHost() string {
	if c.Host == "" || c.Host == "0.0.0.0" || c.Host == "::" {
		return "127.0.0.1"
	}
	return c.Host
}

// SupportsProtocolVersion reports whether version is in the negotiable set.
func (c *Config) SupportsProtocolVersion(version string) bool {
	for _, v := range c.MCPProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}

// --- Persisted layout under DataDir ---

func (c *Config) DBDir() string       { return filepath.Join(c.DataDir, "db") }
func (c *Config) SQLitePath() string  { return filepath.Join(c.DBDir(), "tooldock.db") }
func (c *Config) ToolsDir() string    { return filepath.Join(c.DataDir, "tools") }
func (c *Config) ExternalDir() string { return filepath.Join(c.DataDir, "external") }
func (c *Config) ServersDir() string  { return filepath.Join(c.ExternalDir(), "servers") }
func (c *Config) VenvsDir() string    { return filepath.Join(c.DataDir, "venvs") }
func (c *Config) LogsDir() string     { return filepath.Join(c.DataDir, "logs") }

// ExternalConfigPath is the operator-maintained server list.
func (c *Config) ExternalConfigPath() string {
	return filepath.Join(c.ExternalDir(), "config.yaml")
}

// NewConfig loads configuration from environment variables.
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("mcp_port", cfg.MCPPort),
		slog.Int("openapi_port", cfg.OpenAPIPort),
		slog.Int("web_port", cfg.WebPort),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("auth_enabled", cfg.AuthEnabled()),
	)

	return cfg, nil
}
