// Package main is the tooldock gateway entry point. It assembles the three
// HTTP frontends (MCP, OpenAPI, admin) plus the supervisor for external
// servers, all wired through fx.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/tooldock/tooldock/domain/extconfig"
	"github.com/tooldock/tooldock/domain/health"
	"github.com/tooldock/tooldock/domain/loader"
	"github.com/tooldock/tooldock/domain/mcpserver"
	"github.com/tooldock/tooldock/domain/openapi"
	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/domain/reload"
	"github.com/tooldock/tooldock/domain/scheduler"
	"github.com/tooldock/tooldock/domain/supervisor"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/internal/database"
	"github.com/tooldock/tooldock/internal/server"
	"github.com/tooldock/tooldock/pkg/auth"
	"github.com/tooldock/tooldock/pkg/logger"
	"github.com/tooldock/tooldock/pkg/metrics"
	"github.com/tooldock/tooldock/pkg/sse"
)

func main() {
	// Load .env if present (local development). Load() never overwrites
	// variables already set in the environment.
	_ = godotenv.Load()

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		server.Module,
		auth.Module,
		sse.Module,
		metrics.Module,
		scheduler.Module,

		// Tool catalog and native tools
		registry.Module,
		loader.Module,

		// External servers
		extconfig.Module,
		supervisor.Module,

		// Hot reload with cross-process fan-out
		reload.Module,

		// Frontends
		mcpserver.Module,
		openapi.Module,
		health.Module,
	).Run()
}
