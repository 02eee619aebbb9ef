package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/unprice/entitlements/internal/entitlement/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Grant{}))
	return New(db, zap.NewNop())
}

func baseGrant(subjectID, featureSlug string, now time.Time) domain.Grant {
	return domain.Grant{
		ProjectID:   "p1",
		SubjectType: domain.SubjectCustomer,
		SubjectID:   subjectID,
		FeaturePlanVersion: domain.FeaturePlanVersion{
			FeatureSlug: featureSlug,
		},
		Type:        domain.GrantSubscription,
		EffectiveAt: now.Add(-time.Hour),
	}
}

func TestInsertAssignsSnowflakeIDWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	grant := baseGrant("c1", "api_calls", now)
	require.Empty(t, grant.ID)

	inserted, err := store.Insert(ctx, grant)
	require.NoError(t, err)
	assert.True(t, inserted)

	grants, err := store.ListActiveForSubjects(ctx, "p1", []string{"c1"}, now)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.NotEmpty(t, grants[0].ID)
}

func TestInsertIsIdempotentOnUniquenessColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	grant := baseGrant("c1", "api_calls", now)
	first, err := store.Insert(ctx, grant)
	require.NoError(t, err)
	assert.True(t, first)

	// Same uniqueness tuple, new id: must be treated as a duplicate and
	// silently dropped rather than inserted as a second row.
	grant.ID = ""
	second, err := store.Insert(ctx, grant)
	require.NoError(t, err)
	assert.False(t, second, "a repeat insert on the same uniqueness tuple must report no rows affected")

	grants, err := store.ListActiveForSubjects(ctx, "p1", []string{"c1"}, now)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestListActiveForSubjectsExcludesExpiredNotYetEffectiveAndDeleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := baseGrant("c1", "api_calls", now)
	_, err := store.Insert(ctx, live)
	require.NoError(t, err)

	notYetEffective := baseGrant("c1", "seats", now)
	notYetEffective.EffectiveAt = now.Add(time.Hour)
	_, err = store.Insert(ctx, notYetEffective)
	require.NoError(t, err)

	expired := baseGrant("c1", "storage_gb", now)
	expiredAt := now.Add(-time.Minute)
	expired.ExpiresAt = &expiredAt
	_, err = store.Insert(ctx, expired)
	require.NoError(t, err)

	deleted := baseGrant("c1", "seats_deleted", now)
	deleted.Deleted = true
	_, err = store.Insert(ctx, deleted)
	require.NoError(t, err)

	grants, err := store.ListActiveForSubjects(ctx, "p1", []string{"c1"}, now)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "api_calls", grants[0].FeaturePlanVersion.FeatureSlug)
}

func TestListActiveForSubjectsMatchesAnyGivenSubject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	customerGrant := baseGrant("c1", "api_calls", now)
	_, err := store.Insert(ctx, customerGrant)
	require.NoError(t, err)

	projectGrant := baseGrant("p1", "seats", now)
	projectGrant.SubjectType = domain.SubjectProject
	_, err = store.Insert(ctx, projectGrant)
	require.NoError(t, err)

	grants, err := store.ListActiveForSubjects(ctx, "p1", []string{"c1", "p1"}, now)
	require.NoError(t, err)
	assert.Len(t, grants, 2)
}

func TestListActiveForSubjectsReturnsNilWhenSubjectListIsEmptyAfterNormalization(t *testing.T) {
	store := newTestStore(t)
	grants, err := store.ListActiveForSubjects(context.Background(), "p1", []string{"  ", ""}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, grants)
}

func TestSoftDeleteHidesGrantFromListingButKeepsTheRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	grant := baseGrant("c1", "api_calls", now)
	_, err := store.Insert(ctx, grant)
	require.NoError(t, err)

	grants, err := store.ListActiveForSubjects(ctx, "p1", []string{"c1"}, now)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	id := grants[0].ID

	require.NoError(t, store.SoftDelete(ctx, []string{id}, "p1", domain.SubjectCustomer, "c1"))

	grants, err = store.ListActiveForSubjects(ctx, "p1", []string{"c1"}, now)
	require.NoError(t, err)
	assert.Empty(t, grants)

	var reloaded domain.Grant
	require.NoError(t, store.(*gormStore).db.WithContext(ctx).First(&reloaded, "id = ?", id).Error)
	assert.True(t, reloaded.Deleted)
	assert.NotNil(t, reloaded.DeletedAt)
}

func TestSoftDeleteWithNoIDsIsANoOp(t *testing.T) {
	store := newTestStore(t)
	err := store.SoftDelete(context.Background(), nil, "p1", domain.SubjectCustomer, "c1")
	assert.NoError(t, err)
}
