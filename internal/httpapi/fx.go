package httpapi

import "go.uber.org/fx"

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)
