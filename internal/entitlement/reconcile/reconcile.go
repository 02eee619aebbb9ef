// Package reconcile runs the watermark/cursor protocol that periodically
// realigns a period-scoped meter with the settled analytics aggregate,
// absorbing out-of-band writes and rejecting drift that exceeds MAX_DRIFT.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/config"
	"github.com/unprice/entitlements/internal/entitlement/aggregation"
	"github.com/unprice/entitlements/internal/entitlement/analytics"
	"github.com/unprice/entitlements/internal/entitlement/cyclewindow"
	"github.com/unprice/entitlements/internal/entitlement/domain"
	"github.com/unprice/entitlements/internal/entitlement/storage"
	"github.com/unprice/entitlements/internal/entitlement/usagemeter"
	obsmetrics "github.com/unprice/entitlements/internal/observability/metrics"
)

// Skipped enumerates why a reconcile pass declined to touch the meter;
// every value is a normal outcome, not an error.
type Skipped string

const (
	SkippedNotApplicable  Skipped = "not_applicable" // flat feature or behavior != sum
	SkippedCycleBoundary  Skipped = "cycle_boundary"
	SkippedAlreadyCurrent Skipped = "already_current"
	SkippedTooFresh       Skipped = "too_fresh"
	SkippedUninitialized  Skipped = "uninitialized"
)

var ErrDriftTooLarge = domain.ErrDriftTooLarge

// Reconciler realigns one EntitlementState against analytics.
type Reconciler struct {
	analytics analytics.Client
	store     storage.Store
	cfg       *config.EntitlementConfigHolder
	metrics   *obsmetrics.EntitlementMetrics
	log       *zap.Logger
}

func New(client analytics.Client, store storage.Store, cfg *config.EntitlementConfigHolder, metrics *obsmetrics.EntitlementMetrics, log *zap.Logger) *Reconciler {
	return &Reconciler{analytics: client, store: store, cfg: cfg, metrics: metrics, log: log.Named("entitlement.reconcile")}
}

// Run executes one reconcile pass for state at now. It returns a non-empty
// Skipped reason when no correction was applicable, or an error when the
// drift exceeded MAX_DRIFT (the meter is left unchanged in that case).
func (r *Reconciler) Run(ctx context.Context, state domain.EntitlementState, now time.Time) (Skipped, error) {
	ent := state.Entitlement
	if r.metrics != nil {
		r.metrics.IncReconcileRun()
	}

	skip := func(reason Skipped) (Skipped, error) {
		if r.metrics != nil {
			r.metrics.IncReconcileSkipped(string(reason))
		}
		return reason, nil
	}

	if ent.FeatureType == domain.FeatureFlat {
		return skip(SkippedNotApplicable)
	}
	rule := aggregation.Lookup(ent.AggregationMethod)
	if rule.Behavior != aggregation.BehaviorSum {
		return skip(SkippedNotApplicable)
	}

	runtimeCfg := config.DefaultEntitlementRuntimeConfig()
	if r.cfg != nil {
		runtimeCfg = r.cfg.Get()
	}
	watermark := now.Add(-time.Duration(runtimeCfg.WatermarkOffsetSeconds) * time.Second)

	watermarkWindow := cyclewindow.Compute(ent.EffectiveAt, ent.ExpiresAt, watermark, ent.ResetConfig)
	currentWindow := cyclewindow.Compute(ent.EffectiveAt, ent.ExpiresAt, now, ent.ResetConfig)
	if !watermarkWindow.Start.Equal(currentWindow.Start) {
		// Cycle boundary crossed between watermark and now; the cycle
		// reset path (service.getStateWithRevalidation) handles this.
		return skip(SkippedCycleBoundary)
	}

	effectiveAt := watermarkWindow.Start
	if effectiveAt.IsZero() {
		effectiveAt = ent.EffectiveAt
	}

	lastReconciledID := state.Meter.LastReconciledID
	beforeRecordID := ulidFromTime(watermark)

	if lastReconciledID == "" {
		r.log.Warn("meter never initialized, escalating",
			zap.String("projectId", ent.ProjectID), zap.String("customerId", ent.CustomerID), zap.String("featureSlug", ent.FeatureSlug))
		return skip(SkippedUninitialized)
	}
	if lastReconciledID >= beforeRecordID {
		return skip(SkippedAlreadyCurrent)
	}
	if watermark.Before(effectiveAt) {
		return skip(SkippedTooFresh)
	}

	cursor, err := r.analytics.GetFeaturesUsageCursor(ctx, analytics.UsageCursorRequest{
		CustomerID:  ent.CustomerID,
		ProjectID:   ent.ProjectID,
		Feature: analytics.FeatureRef{
			FeatureSlug:       ent.FeatureSlug,
			AggregationMethod: ent.AggregationMethod,
			FeatureType:       ent.FeatureType,
		},
		AfterRecordID:  lastReconciledID,
		BeforeRecordID: beforeRecordID,
		StartAt:        effectiveAt,
	})
	if err != nil {
		return "", fmt.Errorf("reconcile: fetch analytics cursor: %w", err)
	}

	drift := cursor.Usage - state.Meter.SnapshotUsage

	if math.Abs(drift) > runtimeCfg.MaxDrift {
		r.log.Error("drift exceeds max, rejecting correction",
			zap.String("projectId", ent.ProjectID), zap.String("customerId", ent.CustomerID), zap.String("featureSlug", ent.FeatureSlug),
			zap.Float64("drift", drift), zap.Float64("maxDrift", runtimeCfg.MaxDrift))
		if r.metrics != nil {
			r.metrics.ObserveDrift(drift, true)
		}
		return "", ErrDriftTooLarge
	}

	lastRecordID := cursor.LastRecordID
	if lastRecordID == "" {
		lastRecordID = beforeRecordID
	}

	// Past epsilon the meter is pinned to the settled analytics usage: the
	// add-drift value is computed first and immediately replaced by
	// cursor.Usage, so only the snapshot value is ever persisted.
	newUsage := state.Meter.Usage
	if math.Abs(drift) > runtimeCfg.Epsilon {
		newUsage = state.Meter.Usage + drift
		newUsage = cursor.Usage
	}
	meter := usagemeter.New(state)
	meter.ApplyReconciliation(newUsage, cursor.Usage, lastRecordID)
	state.Meter = meter.ToPersist()
	state.Meter.LastUpdated = now.UnixMilli()

	if r.metrics != nil {
		r.metrics.ObserveDrift(drift, false)
	}

	if err := r.store.Set(ctx, state); err != nil {
		return "", fmt.Errorf("reconcile: persist: %w", err)
	}
	return "", nil
}

func ulidFromTime(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), nil).String()
}
