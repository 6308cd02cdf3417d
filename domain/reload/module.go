package reload

import "go.uber.org/fx"

var Module = fx.Module("reload",
	fx.Provide(
		NewService,
		NewFanout,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
