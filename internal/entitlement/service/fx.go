package service

import (
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	internalcache "github.com/unprice/entitlements/internal/cache"
	"github.com/unprice/entitlements/internal/config"
	"github.com/unprice/entitlements/internal/entitlement/domain"
	"github.com/unprice/entitlements/internal/ratelimit"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(newCaches),
	fx.Provide(fx.Annotate(New, fx.As(new(domain.Service)))),
)

// newCaches builds the five cache namespaces. It shares the rate-limit
// Redis instance when one is configured — a cache miss storm is exactly
// the kind of load the rate limiter already exists to shed — and
// degrades to in-process-only caching when Redis is disabled, same as a
// single-replica deployment.
func newCaches(appCfg config.Config, cfg *config.EntitlementConfigHolder, log *zap.Logger) Caches {
	runtime := cfg.Get()
	ttl := time.Duration(runtime.CacheTTLSeconds) * time.Second
	negativeTTL := time.Duration(runtime.CacheNegativeTTLSeconds) * time.Second
	grace := ttl

	var client *redis.Client
	if addr := strings.TrimSpace(appCfg.RateLimit.RedisAddr); appCfg.RateLimit.Enabled && addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: strings.TrimSpace(appCfg.RateLimit.RedisPassword),
			DB:       appCfg.RateLimit.RedisDB,
		})
	}
	locker := ratelimit.NewLocker(client)

	entitlementCache := internalcache.NewTiered[domain.EntitlementState]("entitlement", client, ttl, log)
	entitlementsCache := internalcache.NewTiered[[]domain.Entitlement]("customerEntitlements", client, ttl, log)
	aclCache := internalcache.NewTiered[domain.AccessControlList]("accessControlList", client, ttl, log)
	usageCache := internalcache.NewTiered[domain.CurrentUsage]("getCurrentUsage", client, ttl, log)

	return Caches{
		entitlement:  internalcache.NewSWR(entitlementCache, locker, grace, log),
		entitlements: internalcache.NewSWR(entitlementsCache, locker, grace, log),
		negative:     internalcache.NewTiered[bool]("negativeEntitlements", nil, negativeTTL, log),
		acl:          internalcache.NewSWR(aclCache, locker, grace, log),
		usage:        internalcache.NewSWR(usageCache, locker, grace, log),
		log:          log.Named("entitlement.cache"),
	}
}
