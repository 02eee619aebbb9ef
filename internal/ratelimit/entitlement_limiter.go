package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/unprice/entitlements/internal/config"
)

const (
	keyEntitlementCustomer = "entitlement:ingest:customer:%s:%s"
	keyEntitlementProject  = "entitlement:ingest:project:%s"
	keyReconcileLock       = "entitlement:reconcile:lock:%s:%s:%s"
)

// EntitlementLimiter rate-limits the reportUsage/verify ingest paths per
// customer and per project, and exposes a per-entitlement distributed lock
// (TryLockReconcile/ReleaseReconcile); the reconciler does not take it.
type EntitlementLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	customerRate  float64
	customerBurst int
	projectRate   float64
	projectBurst  int
	lockTTL       time.Duration
}

func NewEntitlementLimiter(cfg config.Config) (*EntitlementLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &EntitlementLimiter{enabled: false}, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.CustomerRate <= 0 || limitCfg.CustomerBurst <= 0 {
		return nil, errors.New("entitlement customer rate limit must be positive")
	}
	if limitCfg.ProjectRate <= 0 || limitCfg.ProjectBurst <= 0 {
		return nil, errors.New("entitlement project rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &EntitlementLimiter{
		enabled:       true,
		bucket:        NewTokenBucket(client),
		locker:        NewLocker(client),
		customerRate:  limitCfg.CustomerRate,
		customerBurst: limitCfg.CustomerBurst,
		projectRate:   limitCfg.ProjectRate,
		projectBurst:  limitCfg.ProjectBurst,
		lockTTL:       time.Duration(limitCfg.ReconcileLockTTLSeconds) * time.Second,
	}, nil
}

func (l *EntitlementLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowCustomer rate-limits per (project, customer) ingest calls.
func (l *EntitlementLimiter) AllowCustomer(ctx context.Context, projectID, customerID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyEntitlementCustomer, strings.TrimSpace(projectID), strings.TrimSpace(customerID))
	return l.bucket.Allow(ctx, key, l.customerRate, l.customerBurst)
}

// AllowProject rate-limits aggregate ingest calls for a whole project.
func (l *EntitlementLimiter) AllowProject(ctx context.Context, projectID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyEntitlementProject, strings.TrimSpace(projectID))
	return l.bucket.Allow(ctx, key, l.projectRate, l.projectBurst)
}

// TryLockReconcile acquires the per-entitlement reconcile lock, returning
// the release token and whether the lock was acquired.
func (l *EntitlementLimiter) TryLockReconcile(ctx context.Context, projectID, customerID, featureSlug string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(keyReconcileLock, strings.TrimSpace(projectID), strings.TrimSpace(customerID), strings.TrimSpace(featureSlug))
	return l.locker.TryLock(ctx, key, l.lockTTL)
}

// ReleaseReconcile releases a lock acquired by TryLockReconcile.
func (l *EntitlementLimiter) ReleaseReconcile(ctx context.Context, projectID, customerID, featureSlug, token string) error {
	if !l.Enabled() {
		return nil
	}
	key := fmt.Sprintf(keyReconcileLock, strings.TrimSpace(projectID), strings.TrimSpace(customerID), strings.TrimSpace(featureSlug))
	return l.locker.Release(ctx, key, token)
}
