package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisReadRetryAttempts = 3
	redisReadRetryBase     = 10 * time.Millisecond
)

// Tiered is a two-level cache for one namespace: an in-process TTL map
// (hot) fronting Redis (cold), matching the shape of
// usageResolverCache's per-kind Cache[K,V] fields but generalized to a
// single generic value type and backed by a shared distributed tier.
type Tiered[V any] struct {
	namespace string
	local     Cache[string, entry[V]]
	redis     *redis.Client
	ttl       time.Duration
	log       *zap.Logger
}

type entry[V any] struct {
	Value    V
	StoredAt time.Time
}

// NewTiered constructs a namespaced cache. redisClient may be nil, in
// which case the cache degrades to in-process-only (useful for tests and
// for the negativeEntitlements namespace, which is cheap enough to keep
// local-only).
func NewTiered[V any](namespace string, redisClient *redis.Client, ttl time.Duration, log *zap.Logger) *Tiered[V] {
	return &Tiered[V]{
		namespace: namespace,
		local:     NewTTLCache[string, entry[V]](),
		redis:     redisClient,
		ttl:       ttl,
		log:       log.Named("cache." + namespace),
	}
}

func (t *Tiered[V]) fullKey(key string) string {
	return t.namespace + ":" + strings.TrimSpace(key)
}

// Get returns the cached value and true if present in either tier. A hit
// in the distributed tier is promoted into the local tier.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	fk := t.fullKey(key)

	if e, ok := t.local.Get(fk); ok {
		return e.Value, true
	}

	var zero V
	if t.redis == nil {
		return zero, false
	}

	raw, err := WithRetry(ctx, redisReadRetryAttempts, redisReadRetryBase, func(ctx context.Context) ([]byte, error) {
		return t.redis.Get(ctx, fk).Bytes()
	})
	if err != nil {
		return zero, false
	}
	var e entry[V]
	if err := json.Unmarshal(raw, &e); err != nil {
		return zero, false
	}
	t.local.Set(fk, e, t.ttl)
	return e.Value, true
}

// Set writes through both tiers.
func (t *Tiered[V]) Set(ctx context.Context, key string, value V) error {
	fk := t.fullKey(key)
	e := entry[V]{Value: value, StoredAt: time.Now().UTC()}
	t.local.Set(fk, e, t.ttl)

	if t.redis == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.redis.Set(ctx, fk, raw, t.ttl).Err()
}

// Remove evicts key from both tiers, used on explicit invalidation
// (subscription lifecycle events, resetEntitlements).
func (t *Tiered[V]) Remove(ctx context.Context, key string) error {
	fk := t.fullKey(key)
	t.local.Delete(fk)
	if t.redis == nil {
		return nil
	}
	return t.redis.Del(ctx, fk).Err()
}

// Age returns how long ago the cached entry for key was stored, if present.
func (t *Tiered[V]) Age(ctx context.Context, key string) (time.Duration, bool) {
	fk := t.fullKey(key)
	if e, ok := t.local.Get(fk); ok {
		return time.Since(e.StoredAt), true
	}
	return 0, false
}
