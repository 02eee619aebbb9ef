package usagemeter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unprice/entitlements/internal/entitlement/domain"
)

func limitPtr(v float64) *float64 { return &v }

func sumState(limit *float64, usage float64, strategy domain.OverageStrategy) domain.EntitlementState {
	return domain.EntitlementState{
		Entitlement: domain.Entitlement{
			FeatureType:       domain.FeatureUsage,
			AggregationMethod: domain.AggregationSum,
			Limit:             limit,
			OverageStrategy:   strategy,
		},
		Meter: domain.MeterState{Usage: usage},
	}
}

func TestVerifyDoesNotMutateState(t *testing.T) {
	m := New(sumState(limitPtr(10), 5, domain.OverageNone))
	decision := m.Verify(time.Now(), limitPtr(3))
	assert.True(t, decision.Allowed)
	assert.Equal(t, float64(5), m.CurrentUsage())
}

func TestConsumeWithinLimitAllowsAndMutates(t *testing.T) {
	m := New(sumState(limitPtr(10), 5, domain.OverageNone))
	decision := m.Consume(3, time.Now())
	require.True(t, decision.Allowed)
	require.NotNil(t, decision.Remaining)
	assert.Equal(t, float64(2), *decision.Remaining)
	assert.Equal(t, float64(8), m.CurrentUsage())
}

func TestConsumeOverLimitWithNoneStrategyDeniesAndDoesNotMutate(t *testing.T) {
	m := New(sumState(limitPtr(10), 9, domain.OverageNone))
	decision := m.Consume(5, time.Now())
	require.False(t, decision.Allowed)
	assert.Equal(t, domain.DeniedLimitExceeded, decision.DeniedReason)
	assert.Equal(t, float64(9), m.CurrentUsage())
}

func TestConsumeOverLimitWithAlwaysStrategyAllowsAndMutates(t *testing.T) {
	m := New(sumState(limitPtr(10), 9, domain.OverageAlways))
	decision := m.Consume(5, time.Now())
	require.True(t, decision.Allowed)
	assert.Equal(t, float64(14), m.CurrentUsage())
}

func TestConsumeLastCallStrategyAllowsTheCrossingCallThenDeniesTheNext(t *testing.T) {
	m := New(sumState(limitPtr(10), 9, domain.OverageLastCall))

	crossing := m.Consume(5, time.Now())
	require.True(t, crossing.Allowed, "the call that crosses the limit should be allowed")
	assert.Equal(t, float64(14), m.CurrentUsage())

	next := m.Consume(1, time.Now())
	assert.False(t, next.Allowed, "a call once already over the limit should be denied")
	assert.Equal(t, domain.DeniedLimitExceeded, next.DeniedReason)
}

func TestConsumeFlatFeatureIgnoresDeltaAndChecksLimitOnly(t *testing.T) {
	allowed := New(domain.EntitlementState{Entitlement: domain.Entitlement{FeatureType: domain.FeatureFlat, Limit: limitPtr(1)}})
	decision := allowed.Consume(1000, time.Now())
	assert.True(t, decision.Allowed)

	denied := New(domain.EntitlementState{Entitlement: domain.Entitlement{FeatureType: domain.FeatureFlat, Limit: nil}})
	decision = denied.Consume(1, time.Now())
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.DeniedLimitExceeded, decision.DeniedReason)
}

func TestConsumeMaxAggregationKeepsHighestObservedValue(t *testing.T) {
	state := domain.EntitlementState{
		Entitlement: domain.Entitlement{FeatureType: domain.FeatureUsage, AggregationMethod: domain.AggregationMax, Limit: limitPtr(100)},
		Meter:       domain.MeterState{Usage: 40},
	}
	m := New(state)
	m.Consume(10, time.Now())
	assert.Equal(t, float64(40), m.CurrentUsage())
	m.Consume(70, time.Now())
	assert.Equal(t, float64(70), m.CurrentUsage())
}

func TestOverThresholdIsReportedNearLimit(t *testing.T) {
	m := New(sumState(limitPtr(10), 0, domain.OverageNone))
	decision := m.Consume(9.6, time.Now())
	assert.True(t, decision.OverThreshold)
}

func TestApplyReconciliationOverwritesCountersWithoutGoingThroughDecisionPath(t *testing.T) {
	m := New(sumState(limitPtr(10), 9, domain.OverageNone))
	m.ApplyReconciliation(3, 3, "rec-123")
	persisted := m.ToPersist()
	assert.Equal(t, float64(3), persisted.Usage)
	assert.Equal(t, float64(3), persisted.SnapshotUsage)
	assert.Equal(t, "rec-123", persisted.LastReconciledID)
}
