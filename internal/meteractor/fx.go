package meteractor

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/config"
	"github.com/unprice/entitlements/internal/entitlement/domain"
	obsmetrics "github.com/unprice/entitlements/internal/observability/metrics"
)

var Module = fx.Module("meteractor",
	fx.Provide(func(svc domain.Service, cfg *config.EntitlementConfigHolder, metrics *obsmetrics.EntitlementMetrics, log *zap.Logger) *Pool {
		ttl := time.Duration(cfg.Get().CacheTTLSeconds) * time.Second
		return NewPool(svc, log, metrics, ttl)
	}),
	fx.Invoke(func(lc fx.Lifecycle, pool *Pool) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				pool.Shutdown()
				return nil
			},
		})
	}),
)
