package loader

import (
	"context"
	"log/slog"

	"go.uber.org/fx"
)

var Module = fx.Module("loader",
	fx.Provide(
		DefaultCatalog,
		NewLoader,
	),
	fx.Invoke(RegisterLifecycle),
)

// RegisterLifecycle performs the initial scan of the tools tree at startup.
// A load failure is logged, not fatal; the gateway can start empty.
func RegisterLifecycle(lc fx.Lifecycle, l *Loader) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			count, err := l.LoadAll()
			if err != nil {
				l.log.Warn("initial tool load incomplete",
					slog.Int("loaded", count),
					slog.String("error", err.Error()),
				)
				return nil
			}
			l.log.Info("tools loaded", slog.Int("count", count))
			return nil
		},
	})
}
