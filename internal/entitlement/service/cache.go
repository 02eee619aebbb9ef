package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/entitlement/domain"
	internalcache "github.com/unprice/entitlements/internal/cache"
)

// Caches bundles the five cache namespaces described for the entitlement
// core: customerEntitlement (single resolved feature), customerEntitlements
// (all of a customer's resolved features), negativeEntitlements (NO_GRANTS
// misses, short-TTL, local-only), accessControlList, and getCurrentUsage.
// Each is its own namespace/TTL so an operator can retune or clear one
// without affecting the others.
type Caches struct {
	entitlement  *internalcache.SWR[domain.EntitlementState]
	entitlements *internalcache.SWR[[]domain.Entitlement]
	negative     *internalcache.Tiered[bool]
	acl          *internalcache.SWR[domain.AccessControlList]
	usage        *internalcache.SWR[domain.CurrentUsage]

	log *zap.Logger
}

// invalidateCustomer drops the customer-scoped aggregate namespaces
// (customerEntitlements, accessControlList, getCurrentUsage) after a
// durable write: the cheapest correct invalidation is "forget it and let
// the next read repopulate" rather than patching cached aggregates in
// place. It never touches the per-feature customerEntitlement or
// negativeEntitlements namespaces, since their keys carry a feature slug
// this call doesn't know; callers that mutate a specific feature's state
// must also call invalidateFeature for that feature.
func (c Caches) invalidateCustomer(ctx context.Context, projectID, customerID string) {
	key := projectID + ":" + customerID
	if err := c.entitlements.Remove(ctx, key); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("namespace", "customerEntitlements"), zap.Error(err))
	}
	if err := c.acl.Remove(ctx, key); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("namespace", "accessControlList"), zap.Error(err))
	}
	if err := c.usage.Remove(ctx, key); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("namespace", "getCurrentUsage"), zap.Error(err))
	}
}

// invalidateFeature drops the single-feature customerEntitlement and
// negativeEntitlements entries for one (customer, feature) pair. Callers
// that persist a new EntitlementState for a feature (ReportUsage) or wipe
// it (ResetEntitlements) must call this or the next read would keep
// serving the pre-write snapshot for the rest of its TTL.
func (c Caches) invalidateFeature(ctx context.Context, projectID, customerID, featureSlug string) {
	key := projectID + ":" + customerID + ":" + featureSlug
	if err := c.entitlement.Remove(ctx, key); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("namespace", "customerEntitlement"), zap.Error(err))
	}
	if err := c.negative.Remove(ctx, key); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("namespace", "negativeEntitlements"), zap.Error(err))
	}
}
