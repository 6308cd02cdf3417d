package supervisor

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/tooldock/tooldock/domain/extconfig"
	"github.com/tooldock/tooldock/domain/scheduler"
)

var Module = fx.Module("supervisor",
	fx.Provide(
		func(db *bun.DB) *Repository { return NewRepository(db) },
		NewInstaller,
		NewService,
		NewHandler,
	),
	fx.Invoke(
		RegisterRoutes,
		RegisterLifecycle,
	),
)

// RegisterLifecycle migrates the schema, folds config.yaml into the
// records, reconciles once at startup and schedules the periodic sync
// tick.
func RegisterLifecycle(lc fx.Lifecycle, db *bun.DB, svc *Service, extcfg *extconfig.Service, sched *scheduler.Scheduler, log *slog.Logger) {
	reconcile := func(ctx context.Context) error {
		file, err := extcfg.LoadResolved()
		if err != nil {
			return err
		}
		return svc.ReconcileConfig(ctx, file)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := Migrate(ctx, db, log); err != nil {
				return err
			}
			if err := reconcile(ctx); err != nil {
				log.Error("config reconcile failed", slog.String("error", err.Error()))
			}
			if err := svc.SyncFromDB(ctx); err != nil {
				log.Error("initial server sync failed", slog.String("error", err.Error()))
			}
			return sched.Every("external-server-sync", syncInterval, func(ctx context.Context) error {
				if err := reconcile(ctx); err != nil {
					log.Warn("config reconcile failed", slog.String("error", err.Error()))
				}
				return svc.SyncFromDB(ctx)
			})
		},
		OnStop: func(ctx context.Context) error {
			sched.Remove("external-server-sync")
			svc.Shutdown(ctx)
			return nil
		},
	})
}
