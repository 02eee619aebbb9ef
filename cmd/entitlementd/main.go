// Command entitlementd runs the entitlement-and-usage-metering core as a
// standalone binary: the fx graph below wires storage, grants, analytics,
// reconciliation, the service orchestrator, the per-customer meter actor
// pool, and a thin Gin front door, composed the usual fx way:
// config.Module, db.Module, clock.Module, then the functional-domain
// modules, then the server.
package main

import (
	"go.uber.org/fx"

	"github.com/unprice/entitlements/internal/clock"
	"github.com/unprice/entitlements/internal/config"
	"github.com/unprice/entitlements/internal/entitlement/analytics/gormclient"
	"github.com/unprice/entitlements/internal/entitlement/grant/repository"
	"github.com/unprice/entitlements/internal/entitlement/reconcile"
	"github.com/unprice/entitlements/internal/entitlement/service"
	"github.com/unprice/entitlements/internal/entitlement/storage"
	"github.com/unprice/entitlements/internal/httpapi"
	"github.com/unprice/entitlements/internal/meteractor"
	"github.com/unprice/entitlements/internal/migration"
	obsmetrics "github.com/unprice/entitlements/internal/observability/metrics"
	"github.com/unprice/entitlements/internal/ratelimit"
	"github.com/unprice/entitlements/pkg/db"
	"github.com/unprice/entitlements/pkg/log"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		db.Module,
		clock.Module,
		migration.Module,
		obsmetrics.Module,

		// Functional domains
		storage.Module,
		repository.Module,
		gormclient.Module,
		reconcile.Module,
		ratelimit.Module,
		service.Module,
		meteractor.Module,

		// Edge
		httpapi.Module,
	)
	app.Run()
}
