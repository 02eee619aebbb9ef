package metrics

import (
	"go.uber.org/fx"

	"github.com/unprice/entitlements/internal/config"
)

// Module provides the singleton EntitlementMetrics, configured once from
// the process config, to every fx consumer (service, reconcile, meteractor).
var Module = fx.Module("observability.metrics",
	fx.Provide(func(cfg config.Config) *EntitlementMetrics {
		return GetWithConfig(Config{ServiceName: cfg.AppName, Environment: cfg.Environment})
	}),
)
