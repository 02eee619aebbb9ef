// Package storage is the durable per-actor surface: the EntitlementState
// row, the idempotency-key set, and the append-only usage/verification
// logs. Every write commits directly; nothing replays the logs on restart.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/unprice/entitlements/internal/cache"
	"github.com/unprice/entitlements/internal/entitlement/domain"
)

const (
	readRetryAttempts = 3
	readRetryBase     = 25 * time.Millisecond
)

var (
	ErrMissingDB    = errors.New("storage: missing db handle")
	ErrMissingState = errors.New("storage: missing entitlement state")
)

// Key identifies one actor-owned EntitlementState row.
type Key struct {
	ProjectID   string
	CustomerID  string
	FeatureSlug string
}

func MakeKey(projectID, customerID, featureSlug string) Key {
	return Key{ProjectID: projectID, CustomerID: customerID, FeatureSlug: featureSlug}
}

// Store is the durable surface the orchestrator and actor consume.
type Store interface {
	Get(ctx context.Context, key Key) (*domain.EntitlementState, error)
	Set(ctx context.Context, state domain.EntitlementState) error
	Delete(ctx context.Context, key Key) error
	Reset(ctx context.Context, projectID, customerID string) error

	HasIdempotenceKey(ctx context.Context, key Key, idempotenceKey string) (bool, error)
	InsertUsageRecord(ctx context.Context, r domain.UsageRecord) error
	InsertVerification(ctx context.Context, v domain.Verification) error

	Flush(ctx context.Context) error
}

type gormStore struct {
	db         *gorm.DB
	log        *zap.Logger
	idemTTL    time.Duration
}

// New constructs a GORM-backed Store. idemTTL bounds how long an
// idempotency key is retained before garbage collection; callers should
// pass at least two cycle lengths.
func New(db *gorm.DB, log *zap.Logger, idemTTL time.Duration) Store {
	if idemTTL <= 0 {
		idemTTL = time.Hour
	}
	return &gormStore{db: db, log: log.Named("entitlement.storage"), idemTTL: idemTTL}
}

// Get fetches the durable EntitlementState row, retrying the read up to
// readRetryAttempts times with back-off since a transient DB fault here
// shouldn't surface as a deny.
func (s *gormStore) Get(ctx context.Context, key Key) (*domain.EntitlementState, error) {
	return cache.WithRetry(ctx, readRetryAttempts, readRetryBase, func(ctx context.Context) (*domain.EntitlementState, error) {
		return s.getOnce(ctx, key)
	})
}

func (s *gormStore) getOnce(ctx context.Context, key Key) (*domain.EntitlementState, error) {
	if s.db == nil {
		return nil, ErrMissingDB
	}

	var ent domain.Entitlement
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND customer_id = ? AND feature_slug = ?", key.ProjectID, key.CustomerID, key.FeatureSlug).
		First(&ent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var meterRow meterRow
	err = s.db.WithContext(ctx).
		Table("entitlement_meter_states").
		Where("entitlement_id = ?", ent.ID).
		First(&meterRow).Error
	meter := domain.MeterState{}
	if err == nil {
		meter = meterRow.toDomain()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return &domain.EntitlementState{Entitlement: ent, Meter: meter}, nil
}

func (s *gormStore) Set(ctx context.Context, state domain.EntitlementState) error {
	if s.db == nil {
		return ErrMissingDB
	}
	if state.Entitlement.ID == "" {
		return ErrMissingState
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&state.Entitlement).Error; err != nil {
			return err
		}

		row := fromDomain(state.Entitlement.ID, state.Meter)
		return tx.Table("entitlement_meter_states").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entitlement_id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
}

func (s *gormStore) Delete(ctx context.Context, key Key) error {
	if s.db == nil {
		return ErrMissingDB
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ent domain.Entitlement
		err := tx.Where("project_id = ? AND customer_id = ? AND feature_slug = ?", key.ProjectID, key.CustomerID, key.FeatureSlug).
			First(&ent).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Table("entitlement_meter_states").Where("entitlement_id = ?", ent.ID).Delete(nil).Error; err != nil {
			return err
		}
		return tx.Delete(&ent).Error
	})
}

func (s *gormStore) Reset(ctx context.Context, projectID, customerID string) error {
	if s.db == nil {
		return ErrMissingDB
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&domain.Entitlement{}).
			Where("project_id = ? AND customer_id = ?", projectID, customerID).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := tx.Table("entitlement_meter_states").Where("entitlement_id IN ?", ids).Delete(nil).Error; err != nil {
				return err
			}
		}
		return tx.Where("project_id = ? AND customer_id = ?", projectID, customerID).Delete(&domain.Entitlement{}).Error
	})
}

// HasIdempotenceKey reports whether the key has already been observed for
// this (project, customer, feature), recording it if this is the first
// sighting. The insert uses ON CONFLICT DO NOTHING so concurrent callers
// racing on the same key never double-record usage.
func (s *gormStore) HasIdempotenceKey(ctx context.Context, key Key, idempotenceKey string) (bool, error) {
	idempotenceKey = strings.TrimSpace(idempotenceKey)
	if idempotenceKey == "" {
		return false, nil
	}
	if s.db == nil {
		return false, ErrMissingDB
	}

	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO entitlement_idempotency_keys (project_id, customer_id, feature_slug, idempotence_key, observed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, customer_id, feature_slug, idempotence_key) DO NOTHING`,
		key.ProjectID, key.CustomerID, key.FeatureSlug, idempotenceKey, time.Now().UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	// RowsAffected == 0 means the row already existed: this is a replay.
	return result.RowsAffected == 0, nil
}

func (s *gormStore) InsertUsageRecord(ctx context.Context, r domain.UsageRecord) error {
	if s.db == nil {
		return ErrMissingDB
	}
	if r.ID == "" {
		r.ID = newULID()
	}
	return s.db.WithContext(ctx).Create(&r).Error
}

func (s *gormStore) InsertVerification(ctx context.Context, v domain.Verification) error {
	if s.db == nil {
		return ErrMissingDB
	}
	if v.ID == "" {
		v.ID = newULID()
	}
	return s.db.WithContext(ctx).Create(&v).Error
}

// Flush is a no-op for the direct-write store: every InsertUsageRecord/
// InsertVerification call is already durable when it returns, so there is
// no buffered batch to write out or to replay after a restart.
func (s *gormStore) Flush(ctx context.Context) error {
	return nil
}

func newULID() string {
	return ulid.Make().String()
}

// meterRow is the flat row shape for entitlement_meter_states, kept
// separate from domain.MeterState because the storage layer owns the
// entitlement_id foreign key the domain type does not carry.
type meterRow struct {
	EntitlementID    string  `gorm:"column:entitlement_id"`
	Usage            float64 `gorm:"column:usage"`
	SnapshotUsage    float64 `gorm:"column:snapshot_usage"`
	LastReconciledID string  `gorm:"column:last_reconciled_id"`
	LastUpdated      int64   `gorm:"column:last_updated"`
	LastCycleStart   *int64  `gorm:"column:last_cycle_start"`
}

func (r meterRow) toDomain() domain.MeterState {
	return domain.MeterState{
		Usage:            r.Usage,
		SnapshotUsage:    r.SnapshotUsage,
		LastReconciledID: r.LastReconciledID,
		LastUpdated:      r.LastUpdated,
		LastCycleStart:   r.LastCycleStart,
	}
}

func fromDomain(entitlementID string, m domain.MeterState) meterRow {
	return meterRow{
		EntitlementID:    entitlementID,
		Usage:            m.Usage,
		SnapshotUsage:    m.SnapshotUsage,
		LastReconciledID: m.LastReconciledID,
		LastUpdated:      m.LastUpdated,
		LastCycleStart:   m.LastCycleStart,
	}
}
