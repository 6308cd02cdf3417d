package mcpserver

import "go.uber.org/fx"

var Module = fx.Module("mcpserver",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
