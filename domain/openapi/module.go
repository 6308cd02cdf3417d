package openapi

import "go.uber.org/fx"

var Module = fx.Module("openapi",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
