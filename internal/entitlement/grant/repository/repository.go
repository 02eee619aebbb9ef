// Package repository is the Grant Store (component C): a persistent,
// append-only set of grants keyed by subject.
package repository

import (
	"context"
	"strings"
	"time"

	"github.com/unprice/entitlements/internal/cache"
	"github.com/unprice/entitlements/internal/entitlement/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	readRetryAttempts = 3
	readRetryBase     = 25 * time.Millisecond
)

// Store is the interface the core consumes.
type Store interface {
	ListActiveForSubjects(ctx context.Context, projectID string, subjectIDs []string, now time.Time) ([]domain.Grant, error)
	Insert(ctx context.Context, grant domain.Grant) (bool, error)
	SoftDelete(ctx context.Context, ids []string, projectID string, subjectType domain.SubjectType, subjectID string) error
}

type gormStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// New constructs a gorm-backed Grant Store.
func New(db *gorm.DB, log *zap.Logger) Store {
	return &gormStore{db: db, log: log}
}

// ListActiveForSubjects returns every non-deleted grant whose effective
// window includes now, for any of the given subjects (customer, project,
// plan, or plan-version ids — the caller resolves which subjects apply).
func (s *gormStore) ListActiveForSubjects(ctx context.Context, projectID string, subjectIDs []string, now time.Time) ([]domain.Grant, error) {
	subjectIDs = normalizeSubjectIDs(subjectIDs)
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	return cache.WithRetry(ctx, readRetryAttempts, readRetryBase, func(ctx context.Context) ([]domain.Grant, error) {
		var grants []domain.Grant
		err := s.db.WithContext(ctx).
			Where("project_id = ?", projectID).
			Where("subject_id IN ?", subjectIDs).
			Where("deleted = ?", false).
			Where("effective_at <= ?", now).
			Where("expires_at IS NULL OR expires_at > ?", now).
			Find(&grants).Error
		if err != nil {
			return nil, err
		}
		return grants, nil
	})
}

// Insert appends a grant. On a conflict against the uniqueness key
// (projectId, subjectId, subjectType, type, effectiveAt, expiresAt,
// featurePlanVersionId) it does nothing and reports false, matching the
// idempotent-insert idiom used throughout the usage-ingest path.
func (s *gormStore) Insert(ctx context.Context, grant domain.Grant) (bool, error) {
	if grant.ID == "" {
		grant.ID = newGrantID()
	}
	if grant.ExpiresAt == nil {
		// A NULL expires_at never collides in the unique index, so an
		// open-ended duplicate is looked up explicitly.
		var n int64
		err := s.db.WithContext(ctx).Model(&domain.Grant{}).
			Where("project_id = ? AND subject_id = ? AND subject_type = ? AND type = ?", grant.ProjectID, grant.SubjectID, grant.SubjectType, grant.Type).
			Where("effective_at = ? AND expires_at IS NULL AND feature_plan_version_id = ?", grant.EffectiveAt, grant.FeaturePlanVersionID).
			Count(&n).Error
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   grantUniquenessColumns(),
		DoNothing: true,
	}).Create(&grant)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SoftDelete marks the given grant ids as deleted without removing the
// row, preserving the append-only invariant.
func (s *gormStore) SoftDelete(ctx context.Context, ids []string, projectID string, subjectType domain.SubjectType, subjectID string) error {
	if len(ids) == 0 {
		return nil
	}
	now := timeNow()
	result := s.db.WithContext(ctx).
		Model(&domain.Grant{}).
		Where("id IN ?", ids).
		Where("project_id = ?", projectID).
		Where("subject_type = ?", subjectType).
		Where("subject_id = ?", subjectID).
		Updates(map[string]any{"deleted": true, "deleted_at": now})
	if result.Error != nil {
		if s.log != nil {
			s.log.Error("grant soft delete failed", zap.Error(result.Error), zap.Strings("ids", ids))
		}
		return result.Error
	}
	return nil
}

func grantUniquenessColumns() []clause.Column {
	names := []string{
		"project_id", "subject_id", "subject_type", "type",
		"effective_at", "expires_at", "feature_plan_version_id",
	}
	cols := make([]clause.Column, 0, len(names))
	for _, n := range names {
		cols = append(cols, clause.Column{Name: n})
	}
	return cols
}

var timeNow = func() time.Time { return time.Now().UTC() }

func normalizeSubjectIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	return out
}
