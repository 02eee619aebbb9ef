package service

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

	"github.com/unprice/entitlements/internal/cache"
	"github.com/unprice/entitlements/internal/clock"
	"github.com/unprice/entitlements/internal/entitlement/analytics"
	"github.com/unprice/entitlements/internal/entitlement/analytics/fakeclient"
	"github.com/unprice/entitlements/internal/entitlement/domain"
	"github.com/unprice/entitlements/internal/entitlement/storage"
)

// fakeGrantStore is an in-memory grantrepo.Store double; it skips the
// snowflake-assigned-id and OnConflict semantics the real gormStore
// provides since nothing under test exercises Insert/SoftDelete directly.
type fakeGrantStore struct {
	grants []domain.Grant
}

func (f *fakeGrantStore) ListActiveForSubjects(ctx context.Context, projectID string, subjectIDs []string, now time.Time) ([]domain.Grant, error) {
	subjects := make(map[string]bool, len(subjectIDs))
	for _, id := range subjectIDs {
		subjects[id] = true
	}
	var out []domain.Grant
	for _, g := range f.grants {
		if g.ProjectID != projectID || !subjects[g.SubjectID] || g.Deleted {
			continue
		}
		if now.Before(g.EffectiveAt) {
			continue
		}
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeGrantStore) Insert(ctx context.Context, grant domain.Grant) (bool, error) {
	f.grants = append(f.grants, grant)
	return true, nil
}

func (f *fakeGrantStore) SoftDelete(ctx context.Context, ids []string, projectID string, subjectType domain.SubjectType, subjectID string) error {
	return nil
}

func usageGrant(limit float64) domain.Grant {
	return domain.Grant{
		ID:          "g1",
		ProjectID:   "p1",
		SubjectType: domain.SubjectCustomer,
		SubjectID:   "c1",
		Type:        domain.GrantSubscription,
		Priority:    domain.PriorityFor(domain.GrantSubscription),
		Limit:       &limit,
		EffectiveAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		FeaturePlanVersion: domain.FeaturePlanVersion{
			FeatureSlug:       "api_calls",
			FeatureType:       domain.FeatureUsage,
			AggregationMethod: domain.AggregationSum,
		},
	}
}

func newTestService(t *testing.T, grants *fakeGrantStore, analytics *fakeclient.Client, now time.Time) (*Service, *clock.FakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Entitlement{}, &domain.UsageRecord{}, &domain.Verification{}))
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS entitlement_meter_states (
		entitlement_id TEXT PRIMARY KEY,
		usage REAL NOT NULL DEFAULT 0,
		snapshot_usage REAL NOT NULL DEFAULT 0,
		last_reconciled_id TEXT NOT NULL DEFAULT '',
		last_updated INTEGER NOT NULL DEFAULT 0,
		last_cycle_start INTEGER
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS entitlement_idempotency_keys (
		project_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		feature_slug TEXT NOT NULL,
		idempotence_key TEXT NOT NULL,
		observed_at DATETIME NOT NULL,
		PRIMARY KEY (project_id, customer_id, feature_slug, idempotence_key)
	)`).Error)

	log := zap.NewNop()
	caches := Caches{
		entitlement:  cache.NewSWR[domain.EntitlementState](cache.NewTiered[domain.EntitlementState]("entitlement", nil, time.Minute, log), nil, time.Minute, log),
		entitlements: cache.NewSWR[[]domain.Entitlement](cache.NewTiered[[]domain.Entitlement]("entitlements", nil, time.Minute, log), nil, time.Minute, log),
		negative:     cache.NewTiered[bool]("negative", nil, time.Minute, log),
		acl:          cache.NewSWR[domain.AccessControlList](cache.NewTiered[domain.AccessControlList]("acl", nil, time.Minute, log), nil, time.Minute, log),
		usage:        cache.NewSWR[domain.CurrentUsage](cache.NewTiered[domain.CurrentUsage]("usage", nil, time.Minute, log), nil, time.Minute, log),
		log:          log,
	}

	fc := clock.NewFakeClock(now)
	return New(ServiceParam{
		Grants:    grants,
		Storage:   storage.New(db, log, time.Hour),
		Analytics: analytics,
		Clock:     fc,
		Log:       log,
		Caches:    caches,
	}), fc
}

func TestVerifyAllowsWithinLimit(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	grants := &fakeGrantStore{grants: []domain.Grant{usageGrant(100)}}
	svc, _ := newTestService(t, grants, fakeclient.New(), now)

	usage := 3.0
	result, err := svc.Verify(context.Background(), domain.VerifyRequest{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls", Usage: &usage,
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, float64(0), result.Usage, "Verify must not mutate the durable counter")
}

func TestVerifyDeniesWhenNoGrantsExist(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	grants := &fakeGrantStore{}
	svc, _ := newTestService(t, grants, fakeclient.New(), now)

	result, err := svc.Verify(context.Background(), domain.VerifyRequest{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, domain.DeniedEntitlementNotFound, result.DeniedReason)
}

func TestReportUsageConsumesAndPersists(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	grants := &fakeGrantStore{grants: []domain.Grant{usageGrant(100)}}
	svc, _ := newTestService(t, grants, fakeclient.New(), now)

	result, err := svc.ReportUsage(context.Background(), domain.ReportUsageRequest{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls", Usage: 5,
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, float64(5), result.Usage)

	usage, err := svc.GetCurrentUsage(context.Background(), "p1", "c1")
	require.NoError(t, err)
	require.Len(t, usage.Groups, 1)
	assert.Equal(t, float64(5), usage.Groups[0].Usage)
}

func TestReportUsageReplayOfSameIdempotenceKeyIsNotDoubleCounted(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	grants := &fakeGrantStore{grants: []domain.Grant{usageGrant(100)}}
	svc, _ := newTestService(t, grants, fakeclient.New(), now)

	req := domain.ReportUsageRequest{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls", Usage: 5, IdempotenceKey: "req-1",
	}
	first, err := svc.ReportUsage(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	second, err := svc.ReportUsage(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRecorded)
	assert.Equal(t, float64(5), second.Usage, "a replayed report must not advance the counter a second time")
}

func TestReportUsageDeniesOverLimitWithDefaultOverageStrategy(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	grants := &fakeGrantStore{grants: []domain.Grant{usageGrant(10)}}
	svc, _ := newTestService(t, grants, fakeclient.New(), now)

	result, err := svc.ReportUsage(context.Background(), domain.ReportUsageRequest{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls", Usage: 20,
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, domain.DeniedLimitExceeded, result.DeniedReason)
}

func TestResetEntitlementsClearsStoreAndCaches(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	grants := &fakeGrantStore{grants: []domain.Grant{usageGrant(100)}}
	svc, _ := newTestService(t, grants, fakeclient.New(), now)

	_, err := svc.ReportUsage(context.Background(), domain.ReportUsageRequest{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls", Usage: 5,
	})
	require.NoError(t, err)

	require.NoError(t, svc.ResetEntitlements(context.Background(), "p1", "c1"))

	usage, err := svc.GetCurrentUsage(context.Background(), "p1", "c1")
	require.NoError(t, err)
	require.Len(t, usage.Groups, 1)
	assert.Equal(t, float64(0), usage.Groups[0].Usage, "after reset the meter must re-seed from zero")
}

func TestGetAccessControlListReportsUsageLimitReached(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	grants := &fakeGrantStore{grants: []domain.Grant{usageGrant(10)}}
	svc, _ := newTestService(t, grants, fakeclient.New(), now)

	_, err := svc.ReportUsage(context.Background(), domain.ReportUsageRequest{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls", Usage: 10,
	})
	require.NoError(t, err)

	require.NoError(t, svc.caches.entitlements.Remove(context.Background(), "p1:c1"))
	require.NoError(t, svc.caches.acl.Remove(context.Background(), "p1:c1"))

	acl, err := svc.GetAccessControlList(context.Background(), "p1", "c1")
	require.NoError(t, err)
	assert.True(t, acl.UsageLimitReached)
}

func TestGetActiveEntitlementsReturnsEmptyWithoutErrorWhenNoGrants(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &fakeGrantStore{}, fakeclient.New(), now)

	entitlements, err := svc.GetActiveEntitlements(context.Background(), "p1", "c1")
	require.NoError(t, err)
	assert.Empty(t, entitlements)
}

func TestVerifyDeniesNotActiveBeforeEffectiveAt(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	state := domain.EntitlementState{Entitlement: domain.Entitlement{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls",
		EffectiveAt: now.Add(time.Hour),
	}}

	svc, _ := newTestService(t, &fakeGrantStore{}, fakeclient.New(), now)
	_, reason, err := svc.validateEntitlementState(context.Background(), state, now)
	require.NoError(t, err)
	assert.Equal(t, domain.DeniedNotActive, reason)
}

func TestVerifyRevalidatesExpiredEntitlementAndDeniesRevokedWhenNoGrantSurvives(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	expiresAt := now.Add(-time.Minute)
	ent := domain.Entitlement{
		ID:        "p1:c1:api_calls",
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls",
		EffectiveAt: now.Add(-48 * time.Hour), ExpiresAt: &expiresAt,
	}
	state := domain.EntitlementState{Entitlement: ent}

	svc, _ := newTestService(t, &fakeGrantStore{}, fakeclient.New(), now)
	key := storage.MakeKey(ent.ProjectID, ent.CustomerID, ent.FeatureSlug)
	require.NoError(t, svc.store.Set(context.Background(), state))

	_, reason, err := svc.validateEntitlementState(context.Background(), state, now)
	require.NoError(t, err)
	assert.Equal(t, domain.DeniedRevoked, reason)

	persisted, err := svc.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, persisted, "a revoked entitlement must be deleted from the store")
}

func TestVerifyRevalidatesExpiredEntitlementAgainstRenewalGrant(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	expiresAt := now.Add(-time.Minute)
	ent := domain.Entitlement{
		ID:        "p1:c1:api_calls",
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "api_calls",
		EffectiveAt: now.Add(-48 * time.Hour), ExpiresAt: &expiresAt,
	}
	state := domain.EntitlementState{Entitlement: ent}

	renewal := usageGrant(100)
	renewal.EffectiveAt = now.Add(-time.Hour)
	grants := &fakeGrantStore{grants: []domain.Grant{renewal}}
	svc, _ := newTestService(t, grants, fakeclient.New(), now)
	require.NoError(t, svc.store.Set(context.Background(), state))

	refreshed, reason, err := svc.validateEntitlementState(context.Background(), state, now)
	require.NoError(t, err)
	assert.Empty(t, reason)
	require.NotNil(t, refreshed.Entitlement.Limit)
	assert.Equal(t, float64(100), *refreshed.Entitlement.Limit)
}

func TestBuildCurrentUsageSplitsHotAndIdleFeatures(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	hotGrant := usageGrant(100)
	hotGrant.FeaturePlanVersion.FeatureSlug = "hot_feature"

	idleGrant := usageGrant(100)
	idleGrant.FeaturePlanVersion.FeatureSlug = "idle_feature"

	grants := &fakeGrantStore{grants: []domain.Grant{hotGrant, idleGrant}}
	fc := fakeclient.New()
	svc, _ := newTestService(t, grants, fc, now)

	_, err := svc.ReportUsage(context.Background(), domain.ReportUsageRequest{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "hot_feature", Usage: 7,
	})
	require.NoError(t, err)

	// Prime the entitlement cache directly with a meter that has never gone
	// through a reconcile pass (empty LastReconciledID) — initializeUsageMeter
	// always stamps a non-empty one, so this is the only way to reach the
	// idle branch in a test without a real reconcile pass.
	idleState := domain.EntitlementState{Entitlement: domain.Entitlement{
		ProjectID: "p1", CustomerID: "c1", FeatureSlug: "idle_feature",
		FeatureType: domain.FeatureUsage, AggregationMethod: domain.AggregationSum,
		Limit: idleGrant.Limit, EffectiveAt: idleGrant.EffectiveAt,
	}}
	_, err = svc.caches.entitlement.Get(context.Background(), "p1:c1:idle_feature", func(ctx context.Context) (domain.EntitlementState, error) {
		return idleState, nil
	})
	require.NoError(t, err)

	fc.SeedBillingUsage("p1", "c1", []analytics.BillingUsageRow{
		{FeatureSlug: "idle_feature", Sum: 42},
	})

	require.NoError(t, svc.caches.entitlements.Remove(context.Background(), "p1:c1"))
	require.NoError(t, svc.caches.usage.Remove(context.Background(), "p1:c1"))

	usage, err := svc.GetCurrentUsage(context.Background(), "p1", "c1")
	require.NoError(t, err)

	byFeature := make(map[string]float64)
	for _, g := range usage.Groups {
		byFeature[g.FeatureSlug] = g.Usage
	}
	assert.Equal(t, float64(7), byFeature["hot_feature"], "hot feature usage must come from the live meter")
	assert.Equal(t, float64(42), byFeature["idle_feature"], "idle feature usage must come from analytics billing usage")
}
