package config

import "go.uber.org/fx"

// Module provides the process-wide static Config (env/.env-sourced) and the
// hot-reloadable EntitlementConfigHolder (fsnotify-watched) to the fx graph.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEntitlementConfigHolder),
)
