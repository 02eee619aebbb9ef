package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 10 * time.Minute

// IdempotencySweeper periodically deletes entitlement_idempotency_keys rows
// older than the store's idemTTL so the first-sighting/replay check in
// HasIdempotenceKey doesn't accumulate rows forever.
type IdempotencySweeper struct {
	store    *gormStore
	interval time.Duration
	log      *zap.Logger
}

// NewIdempotencySweeper returns nil if store isn't the GORM-backed
// implementation (e.g. a test double), in which case there is nothing to
// sweep and RunForever/RunOnce are safe no-ops on a nil receiver.
func NewIdempotencySweeper(store Store, interval time.Duration, log *zap.Logger) *IdempotencySweeper {
	gs, ok := store.(*gormStore)
	if !ok {
		return nil
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &IdempotencySweeper{store: gs, interval: interval, log: log.Named("entitlement.storage.sweep")}
}

func (s *IdempotencySweeper) RunForever(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("idempotency key sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce deletes every idempotency-key row observed before the current
// idemTTL window.
func (s *IdempotencySweeper) RunOnce(ctx context.Context) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.store.idemTTL)
	return s.store.db.WithContext(ctx).
		Table("entitlement_idempotency_keys").
		Where("observed_at < ?", cutoff).
		Delete(nil).Error
}
