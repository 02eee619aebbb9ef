package storage

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("entitlement.storage",
	fx.Provide(func(db *gorm.DB, log *zap.Logger) Store {
		return New(db, log, 2*time.Hour)
	}),
	fx.Invoke(runIdempotencySweep),
)

func runIdempotencySweep(lc fx.Lifecycle, store Store, log *zap.Logger) {
	sweeper := NewIdempotencySweeper(store, defaultSweepInterval, log)
	if sweeper == nil {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go sweeper.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
