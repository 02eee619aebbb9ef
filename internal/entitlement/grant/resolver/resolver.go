// Package resolver computes an Entitlement from a set of active grants.
// Every function here is pure: given the same grants, it returns the same
// Entitlement, with no I/O and no hidden state (see TestMergePolicyFixedPoint
// in resolver_test.go for the round-trip property this buys).
package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"gorm.io/datatypes"

	"github.com/unprice/entitlements/internal/entitlement/domain"
)

var (
	// ErrNoGrants is returned when Resolve is called with an empty set.
	ErrNoGrants = errors.New("resolver: NO_GRANTS")
	// ErrFeatureMismatch is returned when grants span different feature slugs.
	ErrFeatureMismatch = errors.New("resolver: FEATURE_MISMATCH")
)

// sortDescending orders grants by priority descending (manual=80 first,
// subscription=10 last).
func sortDescending(grants []domain.Grant) []domain.Grant {
	sorted := make([]domain.Grant, len(grants))
	copy(sorted, grants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}

// DerivePolicy derives the merging policy from the winning grant's feature
// type. The winning grant is the highest-priority grant in the set.
func DerivePolicy(fpv domain.FeaturePlanVersion) domain.MergingPolicy {
	switch fpv.FeatureType {
	case domain.FeatureUsage:
		if fpv.UsageMode == domain.UsageModeTier {
			return domain.MergeMax
		}
		return domain.MergeSum
	case domain.FeatureTier, domain.FeaturePackage:
		return domain.MergeMax
	default: // flat and anything unrecognized
		return domain.MergeReplace
	}
}

// Resolve merges a set of active grants for one (customer, project,
// featureSlug) into an Entitlement. Grants must already be filtered to
// "live at now" by the caller; Resolve itself does no time filtering.
func Resolve(grants []domain.Grant, now time.Time) (domain.Entitlement, error) {
	if len(grants) == 0 {
		return domain.Entitlement{}, ErrNoGrants
	}

	sorted := sortDescending(grants)
	winner := sorted[0]
	for _, g := range sorted[1:] {
		if g.FeaturePlanVersion.FeatureSlug != winner.FeaturePlanVersion.FeatureSlug {
			return domain.Entitlement{}, ErrFeatureMismatch
		}
	}

	policy := DerivePolicy(winner.FeaturePlanVersion)
	retained, limit, effectiveAt, expiresAt := mergeLimits(sorted, policy)
	overage := mergeOverage(sorted, policy, winner.FeaturePlanVersion.Metadata.OverageStrategy)

	snapshots := toSnapshots(retained)
	version := hashSnapshots(snapshots)

	return domain.Entitlement{
		ID:                winner.ProjectID + ":" + winner.SubjectID + ":" + winner.FeaturePlanVersion.FeatureSlug,
		ProjectID:         winner.ProjectID,
		FeatureSlug:       winner.FeaturePlanVersion.FeatureSlug,
		FeatureType:       winner.FeaturePlanVersion.FeatureType,
		Limit:             limit,
		AggregationMethod: winner.FeaturePlanVersion.AggregationMethod,
		ResetConfig:       winner.FeaturePlanVersion.ResetConfig,
		MergingPolicy:     policy,
		Grants:            snapshots,
		Version:           version,
		EffectiveAt:       effectiveAt,
		ExpiresAt:         expiresAt,
		NextRevalidateAt:  now.Add(defaultRevalidateInterval),
		ComputedAt:        now,
		UpdatedAt:         now,
		OverageStrategy:   overage,
		Metadata:          entitlementMetadata(winner.FeaturePlanVersion.Metadata),
	}, nil
}

const defaultRevalidateInterval = 5 * time.Minute

// entitlementMetadata carries the winning grant's per-feature knobs that
// the usage meter reads at evaluation time but that don't warrant their
// own Entitlement column. overThresholdPct drives the meter's
// overage-notify decision (see usagemeter.evaluate); it's omitted when
// the plan version never configured a threshold, so the meter falls back
// to its own default.
func entitlementMetadata(meta domain.FeaturePlanVersionMetadata) datatypes.JSONMap {
	if meta.NotifyUsageThreshold <= 0 {
		return nil
	}
	return datatypes.JSONMap{"overThresholdPct": meta.NotifyUsageThreshold}
}

func mergeLimits(sorted []domain.Grant, policy domain.MergingPolicy) (retained []domain.Grant, limit *float64, effectiveAt time.Time, expiresAt *time.Time) {
	switch policy {
	case domain.MergeSum:
		var total float64
		effectiveAt = sorted[0].EffectiveAt
		openEnded := false
		var maxExpires time.Time
		for _, g := range sorted {
			if g.Limit != nil {
				total += *g.Limit
			}
			if g.EffectiveAt.Before(effectiveAt) {
				effectiveAt = g.EffectiveAt
			}
			if g.ExpiresAt == nil {
				openEnded = true
			} else if g.ExpiresAt.After(maxExpires) {
				maxExpires = *g.ExpiresAt
			}
		}
		if !openEnded {
			expiresAt = &maxExpires
		}
		return sorted, &total, effectiveAt, expiresAt

	case domain.MergeMax, domain.MergeMin:
		pick := pickByLimit(sorted, policy == domain.MergeMax)
		return []domain.Grant{pick}, pick.Limit, pick.EffectiveAt, pick.ExpiresAt

	default: // replace
		pick := sorted[0]
		return []domain.Grant{pick}, pick.Limit, pick.EffectiveAt, pick.ExpiresAt
	}
}

// pickByLimit selects the grant with the extreme non-null limit, ties
// broken by priority descending (the same direction the replace policy
// uses to pick a single winner).
func pickByLimit(sorted []domain.Grant, wantMax bool) domain.Grant {
	best := sorted[0]
	bestSet := false
	for _, g := range sorted {
		if g.Limit == nil {
			continue
		}
		if !bestSet {
			best = g
			bestSet = true
			continue
		}
		switch {
		case wantMax && *g.Limit > *best.Limit:
			best = g
		case !wantMax && *g.Limit < *best.Limit:
			best = g
		case *g.Limit == *best.Limit && g.Priority > best.Priority:
			best = g
		}
	}
	return best
}

// mergeOverage combines the overage strategy across the full active grant
// set, independent of which grants survive limit merging.
func mergeOverage(allActive []domain.Grant, policy domain.MergingPolicy, winnerStrategy domain.OverageStrategy) domain.OverageStrategy {
	if policy == domain.MergeReplace {
		return winnerStrategy
	}

	hasAlways, hasLastCall, hasNone := false, false, false
	for _, g := range allActive {
		switch g.FeaturePlanVersion.Metadata.OverageStrategy {
		case domain.OverageAlways:
			hasAlways = true
		case domain.OverageLastCall:
			hasLastCall = true
		case domain.OverageNone:
			hasNone = true
		}
	}

	if policy == domain.MergeMin {
		switch {
		case hasNone:
			return domain.OverageNone
		case hasLastCall:
			return domain.OverageLastCall
		default:
			return domain.OverageAlways
		}
	}

	// sum or max
	switch {
	case hasAlways:
		return domain.OverageAlways
	case hasLastCall:
		return domain.OverageLastCall
	default:
		return winnerStrategy
	}
}

func toSnapshots(grants []domain.Grant) []domain.GrantSnapshot {
	out := make([]domain.GrantSnapshot, 0, len(grants))
	for _, g := range grants {
		out = append(out, domain.GrantSnapshot{
			ID:          g.ID,
			Type:        g.Type,
			Name:        g.FeaturePlanVersion.FeatureSlug,
			EffectiveAt: g.EffectiveAt,
			ExpiresAt:   g.ExpiresAt,
			Limit:       g.Limit,
			Priority:    g.Priority,
			Config:      g.FeaturePlanVersion.Config,
		})
	}
	return out
}

// hashSnapshots is the SHA-256 of the canonical JSON of the merged grants
// snapshot, used as the Entitlement's version. json.Marshal on a slice of
// structs with stable field order is canonical enough here: field order
// never varies across calls and the snapshot has no maps.
func hashSnapshots(snapshots []domain.GrantSnapshot) string {
	encoded, err := json.Marshal(snapshots)
	if err != nil {
		// Marshal of GrantSnapshot cannot fail: every field is a concrete,
		// marshalable type. Treat it as unreachable rather than bubbling a
		// spurious error through a pure function's signature.
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
