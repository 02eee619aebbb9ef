package reconcile

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/config"
	"github.com/unprice/entitlements/internal/entitlement/analytics"
	"github.com/unprice/entitlements/internal/entitlement/storage"
	obsmetrics "github.com/unprice/entitlements/internal/observability/metrics"
)

var Module = fx.Module("entitlement.reconcile",
	fx.Provide(func(client analytics.Client, store storage.Store, cfg *config.EntitlementConfigHolder, metrics *obsmetrics.EntitlementMetrics, log *zap.Logger) *Reconciler {
		return New(client, store, cfg, metrics, log)
	}),
)
