package aggregation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unprice/entitlements/internal/entitlement/domain"
)

func TestLookupCoversEveryKnownMethod(t *testing.T) {
	for method, rule := range Table {
		got := Lookup(method)
		assert.Equal(t, rule, got, "method %s", method)
	}
}

func TestLookupDefaultsUnrecognizedMethodToSumPeriod(t *testing.T) {
	rule := Lookup(domain.AggregationMethod("made_up"))
	assert.Equal(t, Rule{Behavior: BehaviorSum, Scope: ScopePeriod, Resets: true}, rule)
}

func TestIsPeriodScoped(t *testing.T) {
	assert.True(t, IsPeriodScoped(domain.AggregationSum))
	assert.False(t, IsPeriodScoped(domain.AggregationSumAll))
}

func TestLifetimeMethodsNeverReset(t *testing.T) {
	for _, m := range []domain.AggregationMethod{domain.AggregationSumAll, domain.AggregationCountAll, domain.AggregationMaxAll} {
		rule := Lookup(m)
		assert.False(t, rule.Resets, "method %s", m)
		assert.Equal(t, ScopeLifetime, rule.Scope)
	}
}
