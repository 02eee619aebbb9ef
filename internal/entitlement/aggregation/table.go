// Package aggregation holds the compile-time table mapping an
// AggregationMethod to the behavior/scope/resets semantics the Usage
// Meter and Cycle-Window calculator need.
package aggregation

import (
	"github.com/unprice/entitlements/internal/entitlement/domain"
)

// Behavior is how successive usage values combine.
type Behavior string

const (
	BehaviorNone Behavior = "none"
	BehaviorSum  Behavior = "sum"
	BehaviorMax  Behavior = "max"
	BehaviorLast Behavior = "last"
)

// Scope says whether the meter resets per cycle or accumulates forever.
type Scope string

const (
	ScopePeriod   Scope = "period"
	ScopeLifetime Scope = "lifetime"
)

// Rule is one row of the Aggregation Config table.
type Rule struct {
	Behavior Behavior
	Scope    Scope
	Resets   bool
}

// Table is the static aggregation-method mapping. It is never mutated at
// runtime; callers look it up with Lookup.
var Table = map[domain.AggregationMethod]Rule{
	domain.AggregationNone:             {Behavior: BehaviorNone, Scope: ScopePeriod, Resets: true},
	domain.AggregationSum:              {Behavior: BehaviorSum, Scope: ScopePeriod, Resets: true},
	domain.AggregationCount:            {Behavior: BehaviorSum, Scope: ScopePeriod, Resets: true},
	domain.AggregationMax:              {Behavior: BehaviorMax, Scope: ScopePeriod, Resets: true},
	domain.AggregationLastDuringPeriod: {Behavior: BehaviorLast, Scope: ScopePeriod, Resets: true},
	domain.AggregationSumAll:           {Behavior: BehaviorSum, Scope: ScopeLifetime, Resets: false},
	domain.AggregationCountAll:         {Behavior: BehaviorSum, Scope: ScopeLifetime, Resets: false},
	domain.AggregationMaxAll:           {Behavior: BehaviorMax, Scope: ScopeLifetime, Resets: false},
}

// Lookup returns the rule for a method, defaulting to the "sum/period"
// row for unrecognized methods rather than panicking — an unrecognized
// method is a SCHEMA_INVALID concern handled upstream, not here.
func Lookup(method domain.AggregationMethod) Rule {
	if rule, ok := Table[method]; ok {
		return rule
	}
	return Rule{Behavior: BehaviorSum, Scope: ScopePeriod, Resets: true}
}

// IsPeriodScoped reports whether a method's effective/expires window is
// the current cycle window rather than the merged grant lifetime range.
func IsPeriodScoped(method domain.AggregationMethod) bool {
	return Lookup(method).Scope == ScopePeriod
}
