package gormclient

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/unprice/entitlements/internal/entitlement/analytics"
)

var Module = fx.Module("entitlement.analytics",
	fx.Provide(func(db *gorm.DB, log *zap.Logger) analytics.Client {
		return New(db, log)
	}),
)
