package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/ratelimit"
)

// SWR wraps a Tiered cache with stale-while-revalidate semantics: a read
// within graceTTL of the entry's age returns the cached value immediately
// and kicks off a background refresh; a read past graceTTL blocks on a
// synchronous reload. Only background refreshes are singly-flighted: when
// a locker is set, they take the same SETNX-based lock internal/ratelimit
// provides, so two actors sharing a Redis instance don't both refresh the
// same key. Cold-miss and past-grace reloads call the loader unlocked.
type SWR[V any] struct {
	cache    *Tiered[V]
	locker   *ratelimit.Locker
	graceTTL time.Duration
	log      *zap.Logger
}

func NewSWR[V any](cache *Tiered[V], locker *ratelimit.Locker, graceTTL time.Duration, log *zap.Logger) *SWR[V] {
	return &SWR[V]{cache: cache, locker: locker, graceTTL: graceTTL, log: log.Named("cache.swr." + cache.namespace)}
}

// Loader computes the value to cache on a miss or a forced refresh.
type Loader[V any] func(ctx context.Context) (V, error)

// Get returns the cached value if fresh, the stale value while triggering
// a background refresh if within the grace window, or the freshly loaded
// value on a cold miss / past-grace read.
func (s *SWR[V]) Get(ctx context.Context, key string, load Loader[V]) (V, error) {
	value, ok := s.cache.Get(ctx, key)
	if !ok {
		return s.reload(ctx, key, load)
	}

	age, hasAge := s.cache.Age(ctx, key)
	if !hasAge || age <= s.cache.ttl {
		return value, nil
	}
	if age <= s.cache.ttl+s.graceTTL {
		s.refreshInBackground(key, load)
		return value, nil
	}

	return s.reload(ctx, key, load)
}

// Remove evicts key from the underlying cache, forcing the next Get to
// reload rather than serve stale-while-revalidate.
func (s *SWR[V]) Remove(ctx context.Context, key string) error {
	return s.cache.Remove(ctx, key)
}

func (s *SWR[V]) reload(ctx context.Context, key string, load Loader[V]) (V, error) {
	value, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	if err := s.cache.Set(ctx, key, value); err != nil {
		s.log.Warn("swr cache write failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

func (s *SWR[V]) refreshInBackground(key string, load Loader[V]) {
	lockKey := s.cache.namespace + ":swr-refresh:" + key

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if s.locker != nil {
			token, acquired, err := s.locker.TryLock(ctx, lockKey, 10*time.Second)
			if err != nil || !acquired {
				return
			}
			defer func() { _ = s.locker.Release(ctx, lockKey, token) }()
		}

		if _, err := s.reload(ctx, key, load); err != nil {
			s.log.Warn("background swr refresh failed", zap.String("key", key), zap.Error(err))
		}
	}()
}
