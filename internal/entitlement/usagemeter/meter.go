// Package usagemeter implements the in-memory usage counter: it is
// constructed from an EntitlementState, answers verify/consume, and
// serializes back to a MeterState for persistence. It never touches I/O.
package usagemeter

import (
	"time"

	"github.com/unprice/entitlements/internal/entitlement/aggregation"
	"github.com/unprice/entitlements/internal/entitlement/domain"
)

const defaultOverThresholdPct = 0.95

// Decision is the outcome of a verify or consume call.
type Decision struct {
	Allowed       bool
	Remaining     *float64
	DeniedReason  domain.DeniedReason
	Message       string
	OverThreshold bool
}

// Meter wraps one EntitlementState's live counter.
type Meter struct {
	state domain.EntitlementState
}

// New constructs a Meter from the live entitlement state.
func New(state domain.EntitlementState) *Meter {
	return &Meter{state: state}
}

// Verify previews the effect of consuming `proposed` units (default 1)
// without mutating the meter.
func (m *Meter) Verify(now time.Time, proposed *float64) Decision {
	delta := 1.0
	if proposed != nil {
		delta = *proposed
	}
	return m.evaluate(now, delta, false)
}

// Consume applies delta to the meter and returns the resulting decision.
// If the decision denies the transaction under a non-always strategy, the
// meter state is NOT mutated.
func (m *Meter) Consume(delta float64, now time.Time) Decision {
	return m.evaluate(now, delta, true)
}

func (m *Meter) evaluate(now time.Time, delta float64, mutate bool) Decision {
	ent := m.state.Entitlement

	if ent.FeatureType == domain.FeatureFlat {
		allowed := ent.Limit != nil && *ent.Limit > 0
		return Decision{Allowed: allowed, DeniedReason: flatDeniedReason(allowed)}
	}

	rule := aggregation.Lookup(ent.AggregationMethod)
	newUsage := m.nextUsage(rule.Behavior, delta)

	var remaining *float64
	if ent.Limit != nil {
		r := *ent.Limit - newUsage
		remaining = &r
	}

	overThreshold := false
	if ent.Limit != nil && *ent.Limit > 0 {
		threshold := ent.Metadata["overThresholdPct"]
		pct := defaultOverThresholdPct
		if v, ok := threshold.(float64); ok && v > 0 {
			pct = v
		}
		overThreshold = newUsage/(*ent.Limit) >= pct
	}

	withinLimit := ent.Limit == nil || newUsage <= *ent.Limit
	decision := Decision{Allowed: true, Remaining: remaining, OverThreshold: overThreshold}

	if !withinLimit {
		switch ent.OverageStrategy {
		case domain.OverageAlways:
			decision.Allowed = true
		case domain.OverageLastCall:
			// Allow the transaction that crosses the limit; deny the next.
			// "Crossing" means the pre-delta usage was still within limit.
			if m.state.Meter.Usage <= *ent.Limit {
				decision.Allowed = true
			} else {
				decision.Allowed = false
				decision.DeniedReason = domain.DeniedLimitExceeded
				decision.Message = "usage limit exceeded"
			}
		default: // none
			decision.Allowed = false
			decision.DeniedReason = domain.DeniedLimitExceeded
			decision.Message = "usage limit exceeded"
		}
	}

	if mutate && decision.Allowed {
		m.state.Meter.Usage = newUsage
		m.state.Meter.LastUpdated = now.UnixMilli()
	}
	return decision
}

func (m *Meter) nextUsage(behavior aggregation.Behavior, delta float64) float64 {
	current := m.state.Meter.Usage
	switch behavior {
	case aggregation.BehaviorSum:
		return current + delta
	case aggregation.BehaviorMax:
		if delta > current {
			return delta
		}
		return current
	case aggregation.BehaviorLast:
		return delta
	default:
		return current
	}
}

func flatDeniedReason(allowed bool) domain.DeniedReason {
	if allowed {
		return ""
	}
	return domain.DeniedLimitExceeded
}

// ApplyReconciliation is the dedicated write path reconciliation uses: it
// updates usage, snapshotUsage, and lastReconciledId atomically and never
// crosses the allow/deny decision path.
func (m *Meter) ApplyReconciliation(usage, snapshotUsage float64, lastReconciledID string) {
	m.state.Meter.Usage = usage
	m.state.Meter.SnapshotUsage = snapshotUsage
	m.state.Meter.LastReconciledID = lastReconciledID
}

// ToPersist returns the current MeterState for durable storage.
func (m *Meter) ToPersist() domain.MeterState {
	return m.state.Meter
}

// CurrentUsage returns the meter's live usage value.
func (m *Meter) CurrentUsage() float64 {
	return m.state.Meter.Usage
}
