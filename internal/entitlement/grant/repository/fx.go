package repository

import "go.uber.org/fx"

var Module = fx.Module("entitlement.grants",
	fx.Provide(New),
)
