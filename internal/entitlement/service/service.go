// Package service implements the Entitlement Service orchestrator
// (component I): it wires the Grant Store, Grant Resolver, Storage, and
// analytics behind the five cache namespaces and answers Verify,
// ReportUsage, GetCurrentUsage, ResetEntitlements, GetAccessControlList,
// and GetActiveEntitlements.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/clock"
	"github.com/unprice/entitlements/internal/config"
	"github.com/unprice/entitlements/internal/entitlement/analytics"
	"github.com/unprice/entitlements/internal/entitlement/cyclewindow"
	"github.com/unprice/entitlements/internal/entitlement/domain"
	grantrepo "github.com/unprice/entitlements/internal/entitlement/grant/repository"
	"github.com/unprice/entitlements/internal/entitlement/grant/resolver"
	"github.com/unprice/entitlements/internal/entitlement/reconcile"
	"github.com/unprice/entitlements/internal/entitlement/storage"
	"github.com/unprice/entitlements/internal/entitlement/usagemeter"
	obsmetrics "github.com/unprice/entitlements/internal/observability/metrics"
	"github.com/unprice/entitlements/internal/ratelimit"
	"github.com/unprice/entitlements/internal/reqcontext"
)

// ServiceParam is the fx.In-tagged constructor argument bundle: a single
// struct param rather than a long positional constructor.
type ServiceParam struct {
	fx.In

	Grants     grantrepo.Store
	Storage    storage.Store
	Analytics  analytics.Client
	Limiter    *ratelimit.EntitlementLimiter
	Reconciler *reconcile.Reconciler
	Config     *config.EntitlementConfigHolder
	Metrics    *obsmetrics.EntitlementMetrics
	Clock      clock.Clock `optional:"true"`
	Log        *zap.Logger

	Caches Caches
}

// Service is the concrete domain.Service implementation.
type Service struct {
	grants     grantrepo.Store
	store      storage.Store
	analytics  analytics.Client
	limiter    *ratelimit.EntitlementLimiter
	reconciler *reconcile.Reconciler
	cfg        *config.EntitlementConfigHolder
	metrics    *obsmetrics.EntitlementMetrics
	clock      clock.Clock
	log        *zap.Logger
	caches     Caches
}

var _ domain.Service = (*Service)(nil)

func New(p ServiceParam) *Service {
	cl := p.Clock
	if cl == nil {
		cl = clock.SystemClock{}
	}
	return &Service{
		grants:     p.Grants,
		store:      p.Storage,
		analytics:  p.Analytics,
		limiter:    p.Limiter,
		reconciler: p.Reconciler,
		cfg:        p.Config,
		metrics:    p.Metrics,
		clock:      cl,
		log:        p.Log.Named("entitlement.service"),
		caches:     p.Caches,
	}
}

// Verify previews a Consume without mutating durable state.
func (s *Service) Verify(ctx context.Context, req domain.VerifyRequest) (domain.VerifyResult, error) {
	start := s.clock.Now()
	if err := s.checkRateLimit(ctx, req.ProjectID, req.CustomerID); err != nil {
		return domain.VerifyResult{}, err
	}

	state, found, err := s.getStateWithRevalidation(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug)
	if err != nil {
		return domain.VerifyResult{}, err
	}
	if !found {
		return s.denyResult(domain.DeniedEntitlementNotFound, "no active entitlement", start), nil
	}

	now := req.Timestamp
	if now.IsZero() {
		now = s.clock.Now()
	}

	state, deniedReason, err := s.validateEntitlementState(ctx, state, now)
	if err != nil {
		return domain.VerifyResult{}, err
	}
	if deniedReason != "" {
		result := s.denyResult(deniedReason, denyMessage(deniedReason), start)
		s.recordVerification(ctx, state.Entitlement, result, req.RequestID, now)
		return result, nil
	}
	decision := usagemeter.New(state).Verify(now, req.Usage)

	result := domain.VerifyResult{
		Allowed:      decision.Allowed,
		Message:      decision.Message,
		DeniedReason: decision.DeniedReason,
		Usage:        state.Meter.Usage,
		Limit:        state.Entitlement.Limit,
		Remaining:    decision.Remaining,
		Latency:      s.clock.Now().Sub(start),
		FeatureType:  state.Entitlement.FeatureType,
	}

	s.recordVerification(ctx, state.Entitlement, result, req.RequestID, now)
	s.maybeReconcile(state)
	if s.metrics != nil {
		s.metrics.ObserveVerify(result.Allowed, string(result.FeatureType), result.Latency)
		s.metrics.IncDenied(string(result.DeniedReason))
	}
	return result, nil
}

// ReportUsage consumes usage against the meter, durably, exactly once per
// idempotence key.
func (s *Service) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (domain.ReportUsageResult, error) {
	if err := s.checkRateLimit(ctx, req.ProjectID, req.CustomerID); err != nil {
		return domain.ReportUsageResult{}, err
	}

	key := storage.MakeKey(req.ProjectID, req.CustomerID, req.FeatureSlug)
	if req.IdempotenceKey != "" {
		seen, err := s.store.HasIdempotenceKey(ctx, key, req.IdempotenceKey)
		if err != nil {
			return domain.ReportUsageResult{}, fmt.Errorf("service: idempotence check: %w", err)
		}
		if seen {
			state, found, err := s.getStateWithRevalidation(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug)
			if err != nil || !found {
				return domain.ReportUsageResult{AlreadyRecorded: true}, nil
			}
			return domain.ReportUsageResult{
				Allowed: true, AlreadyRecorded: true,
				Usage: state.Meter.Usage, Limit: state.Entitlement.Limit,
			}, nil
		}
	}

	state, found, err := s.getStateWithRevalidation(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug)
	if err != nil {
		return domain.ReportUsageResult{}, err
	}
	if !found {
		return domain.ReportUsageResult{
			Allowed: false, DeniedReason: domain.DeniedEntitlementNotFound, Message: "no active entitlement",
		}, nil
	}

	now := req.Timestamp
	if now.IsZero() {
		now = s.clock.Now()
	}

	state, deniedReason, err := s.validateEntitlementState(ctx, state, now)
	if err != nil {
		return domain.ReportUsageResult{}, err
	}
	if deniedReason != "" {
		return domain.ReportUsageResult{
			Allowed: false, DeniedReason: deniedReason, Message: denyMessage(deniedReason),
		}, nil
	}

	meter := usagemeter.New(state)
	decision := meter.Consume(req.Usage, now)
	state.Meter = meter.ToPersist()

	result := domain.ReportUsageResult{
		Allowed:      decision.Allowed,
		Remaining:    decision.Remaining,
		Message:      decision.Message,
		DeniedReason: decision.DeniedReason,
		Usage:        state.Meter.Usage,
		Limit:        state.Entitlement.Limit,
		NotifiedOverLimit: decision.OverThreshold,
	}

	if decision.Allowed {
		if err := s.store.Set(ctx, state); err != nil {
			return domain.ReportUsageResult{}, fmt.Errorf("service: persist meter: %w", err)
		}
		record := domain.UsageRecord{
			CustomerID: req.CustomerID, ProjectID: req.ProjectID, FeatureSlug: req.FeatureSlug,
			Usage: req.Usage, Timestamp: now, IdempotenceKey: req.IdempotenceKey, RequestID: req.RequestID,
			CreatedAt: s.clock.Now(),
		}
		if err := s.store.InsertUsageRecord(ctx, record); err != nil {
			return domain.ReportUsageResult{}, fmt.Errorf("service: insert usage record: %w", err)
		}
		s.caches.invalidateCustomer(ctx, req.ProjectID, req.CustomerID)
		s.caches.invalidateFeature(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug)
		s.maybeReconcile(state)
	}

	if s.metrics != nil {
		s.metrics.ObserveReportUsage(result.Allowed, result.AlreadyRecorded)
		s.metrics.IncDenied(string(result.DeniedReason))
	}
	return result, nil
}

// GetCurrentUsage returns the human-facing usage/cost summary.
func (s *Service) GetCurrentUsage(ctx context.Context, projectID, customerID string) (domain.CurrentUsage, error) {
	key := projectID + ":" + customerID
	return s.caches.usage.Get(ctx, key, func(ctx context.Context) (domain.CurrentUsage, error) {
		entitlements, err := s.GetActiveEntitlements(ctx, projectID, customerID)
		if err != nil {
			return domain.CurrentUsage{}, err
		}
		return s.buildCurrentUsage(ctx, projectID, customerID, entitlements)
	})
}

// buildCurrentUsage combines the live meter for "hot" features — those
// that have gone through at least one reconcile pass, identified by a
// non-empty LastReconciledID — with an analytics-derived estimate for
// idle features, whose meter may not reflect usage ingested since the
// entitlement was last computed.
func (s *Service) buildCurrentUsage(ctx context.Context, projectID, customerID string, entitlements []domain.Entitlement) (domain.CurrentUsage, error) {
	now := s.clock.Now()
	out := domain.CurrentUsage{Currency: "usd", Groups: make([]domain.CurrentUsageFeature, 0, len(entitlements))}

	windows := make(map[string]cyclewindow.Window, len(entitlements))
	var idle []domain.Entitlement
	hotUsage := make(map[string]float64, len(entitlements))

	for _, ent := range entitlements {
		state, found, err := s.getStateWithRevalidation(ctx, projectID, customerID, ent.FeatureSlug)
		if err != nil || !found {
			continue
		}
		windows[ent.FeatureSlug] = cyclewindow.Compute(ent.EffectiveAt, ent.ExpiresAt, now, ent.ResetConfig)
		if state.Meter.LastReconciledID != "" {
			hotUsage[ent.FeatureSlug] = state.Meter.Usage
		} else {
			idle = append(idle, ent)
		}
	}

	idleUsage := s.idleFeatureUsage(ctx, projectID, customerID, idle, windows, now)

	for _, ent := range entitlements {
		usage, ok := hotUsage[ent.FeatureSlug]
		if !ok {
			usage, ok = idleUsage[ent.FeatureSlug]
		}
		if !ok {
			continue
		}

		var remaining *float64
		if ent.Limit != nil {
			r := *ent.Limit - usage
			remaining = &r
		}
		out.Groups = append(out.Groups, domain.CurrentUsageFeature{
			FeatureSlug: ent.FeatureSlug, Usage: usage, Limit: ent.Limit, Remaining: remaining,
		})
		out.PriceSummary.UsageTotal += priceForUsage(ent, usage)
		window := windows[ent.FeatureSlug]
		if !window.IsZero() && out.RenewalDate.Before(window.End) {
			out.RenewalDate = window.End
			out.DaysRemaining = int(window.End.Sub(now).Hours() / 24)
		}
	}
	out.PriceSummary.TotalPrice = out.PriceSummary.FlatTotal + out.PriceSummary.TieredTotal +
		out.PriceSummary.PackageTotal + out.PriceSummary.UsageTotal
	return out, nil
}

// idleFeatureUsage asks analytics for a rolled-up usage estimate for every
// idle feature in one batched call, keyed by feature slug. Each row is
// reduced to a single number per the feature's aggregation method (sum,
// max, count, or last-during-period).
func (s *Service) idleFeatureUsage(ctx context.Context, projectID, customerID string, idle []domain.Entitlement, windows map[string]cyclewindow.Window, now time.Time) map[string]float64 {
	out := make(map[string]float64, len(idle))
	if len(idle) == 0 {
		return out
	}

	start := now
	slugs := make([]string, 0, len(idle))
	byFeature := make(map[string]domain.Entitlement, len(idle))
	for _, ent := range idle {
		slugs = append(slugs, ent.FeatureSlug)
		byFeature[ent.FeatureSlug] = ent
		if w := windows[ent.FeatureSlug]; !w.IsZero() && w.Start.Before(start) {
			start = w.Start
		}
	}

	rows, err := s.analytics.GetBillingUsage(ctx, analytics.BillingUsageRequest{
		CustomerID: customerID, ProjectID: projectID, FeatureSlugs: slugs, Start: start, End: now,
	})
	if err != nil {
		s.log.Warn("buildCurrentUsage: billing usage fetch failed for idle features", zap.Error(err))
		return out
	}
	for _, row := range rows {
		ent, ok := byFeature[row.FeatureSlug]
		if !ok {
			continue
		}
		out[row.FeatureSlug] = billingRowValue(row, ent.AggregationMethod)
	}
	return out
}

func billingRowValue(row analytics.BillingUsageRow, method domain.AggregationMethod) float64 {
	switch method {
	case domain.AggregationMax, domain.AggregationMaxAll:
		return row.Max
	case domain.AggregationCount, domain.AggregationCountAll:
		return float64(row.Count)
	case domain.AggregationLastDuringPeriod:
		return row.LastDuringPeriod
	default:
		return row.Sum
	}
}

// priceForUsage applies the winning grant's tiered/packaged pricing
// config, carried on the Entitlement's grant snapshots, to usage.
func priceForUsage(ent domain.Entitlement, usage float64) float64 {
	if len(ent.Grants) == 0 {
		return 0
	}
	cfg := ent.Grants[0].Config
	switch {
	case len(cfg.Tiers) > 0:
		return applyTiers(cfg.Tiers, usage)
	case len(cfg.Packages) > 0:
		return applyTiers(cfg.Packages, usage)
	default:
		return cfg.FlatPrice
	}
}

func applyTiers(tiers []domain.PriceTier, usage float64) float64 {
	var total float64
	var consumed float64
	for _, tier := range tiers {
		upTo := usage
		if tier.UpTo != nil {
			upTo = float64(*tier.UpTo)
		}
		units := upTo - consumed
		if units <= 0 {
			continue
		}
		if units > usage-consumed {
			units = usage - consumed
		}
		total += tier.FlatPrice + units*tier.UnitPrice
		consumed += units
		if consumed >= usage {
			break
		}
	}
	return total
}

// ResetEntitlements wipes the meter and cache state for a customer,
// forcing the next call to rebuild from grants and a fresh analytics
// snapshot.
func (s *Service) ResetEntitlements(ctx context.Context, projectID, customerID string) error {
	if err := s.store.Reset(ctx, projectID, customerID); err != nil {
		return fmt.Errorf("service: reset: %w", err)
	}
	s.caches.invalidateCustomer(ctx, projectID, customerID)

	entitlements, err := s.resolveActiveEntitlements(ctx, projectID, customerID)
	if err != nil {
		s.log.Warn("resetEntitlements: could not enumerate features to invalidate per-feature cache", zap.Error(err))
		return nil
	}
	for _, ent := range entitlements {
		s.caches.invalidateFeature(ctx, projectID, customerID, ent.FeatureSlug)
	}
	return nil
}

// GetAccessControlList returns the cached ACL summary.
func (s *Service) GetAccessControlList(ctx context.Context, projectID, customerID string) (domain.AccessControlList, error) {
	key := projectID + ":" + customerID
	return s.caches.acl.Get(ctx, key, func(ctx context.Context) (domain.AccessControlList, error) {
		entitlements, err := s.GetActiveEntitlements(ctx, projectID, customerID)
		if err != nil {
			return domain.AccessControlList{}, err
		}
		acl := domain.AccessControlList{SubscriptionStatus: "active"}
		for _, min := range minimalize(entitlements) {
			if min.Limit == nil {
				continue
			}
			state, found, err := s.getStateWithRevalidation(ctx, projectID, customerID, min.FeatureSlug)
			if err != nil || !found {
				continue
			}
			if state.Meter.Usage >= *min.Limit && (min.OverageStrategy == domain.OverageNone || min.OverageStrategy == "") {
				acl.UsageLimitReached = true
			}
		}
		return acl, nil
	})
}

// minimalize projects the resolved entitlements down to the trimmed view
// GetAccessControlList iterates. The customerEntitlements namespace holds
// the full Entitlement values, not this projection.
func minimalize(entitlements []domain.Entitlement) []domain.MinimalEntitlement {
	out := make([]domain.MinimalEntitlement, 0, len(entitlements))
	for _, e := range entitlements {
		out = append(out, domain.MinimalEntitlement{
			FeatureSlug: e.FeatureSlug, FeatureType: e.FeatureType, Limit: e.Limit, OverageStrategy: e.OverageStrategy,
		})
	}
	return out
}

// GetActiveEntitlements resolves every feature slug the customer has a
// live grant for, one resolver.Resolve per feature. The customerEntitlements
// namespace caches the full resolved view directly; GetAccessControlList
// projects it down to MinimalEntitlement itself.
func (s *Service) GetActiveEntitlements(ctx context.Context, projectID, customerID string) ([]domain.Entitlement, error) {
	key := projectID + ":" + customerID
	return s.caches.entitlements.Get(ctx, key, func(ctx context.Context) ([]domain.Entitlement, error) {
		return s.resolveActiveEntitlements(ctx, projectID, customerID)
	})
}

func (s *Service) resolveActiveEntitlements(ctx context.Context, projectID, customerID string) ([]domain.Entitlement, error) {
	now := s.clock.Now()
	grants, err := s.grants.ListActiveForSubjects(ctx, projectID, []string{customerID, projectID}, now)
	if err != nil {
		return nil, fmt.Errorf("service: list grants: %w", err)
	}
	if len(grants) == 0 {
		return nil, nil
	}

	byFeature := make(map[string][]domain.Grant)
	for _, g := range grants {
		byFeature[g.FeaturePlanVersion.FeatureSlug] = append(byFeature[g.FeaturePlanVersion.FeatureSlug], g)
	}

	out := make([]domain.Entitlement, 0, len(byFeature))
	for _, set := range byFeature {
		ent, err := resolver.Resolve(set, now)
		if err != nil {
			s.log.Warn("resolve failed for feature group", zap.Error(err))
			continue
		}
		ent.CustomerID = customerID
		out = append(out, ent)
	}
	return out, nil
}

// getStateWithRevalidation returns the live EntitlementState for one
// feature, resolving grants and seeding the meter on first access.
func (s *Service) getStateWithRevalidation(ctx context.Context, projectID, customerID, featureSlug string) (domain.EntitlementState, bool, error) {
	key := projectID + ":" + customerID + ":" + featureSlug

	if cached, found := s.caches.negative.Get(ctx, key); found && cached {
		return domain.EntitlementState{}, false, nil
	}

	state, err := s.caches.entitlement.Get(ctx, key, func(ctx context.Context) (domain.EntitlementState, error) {
		return s.loadState(ctx, projectID, customerID, featureSlug)
	})
	if err != nil {
		if err == errNoGrants {
			s.caches.negative.Set(ctx, key, true)
			return domain.EntitlementState{}, false, nil
		}
		return domain.EntitlementState{}, false, err
	}
	return state, true, nil
}

var errNoGrants = domain.ErrNoGrants

// validateEntitlementState checks a cached/loaded EntitlementState against
// now, since grants can expire or get revoked between when the state was
// computed and when it's used to decide a verify/report call. A non-empty
// DeniedReason means the caller must deny; the returned state is only
// meaningful when the reason is empty (it carries the re-merged, freshly
// persisted entitlement in the window-rollover case).
func (s *Service) validateEntitlementState(ctx context.Context, state domain.EntitlementState, now time.Time) (domain.EntitlementState, domain.DeniedReason, error) {
	ent := state.Entitlement

	if now.Before(ent.EffectiveAt) {
		return state, domain.DeniedNotActive, nil
	}
	if ent.ExpiresAt == nil || now.Before(*ent.ExpiresAt) {
		return state, "", nil
	}

	// The entitlement's window has lapsed: re-merge against the live grant
	// set rather than trusting the snapshot, since a renewal grant may
	// already exist, or the only grant covering this feature may have
	// been revoked outright.
	key := storage.MakeKey(ent.ProjectID, ent.CustomerID, ent.FeatureSlug)
	grants, err := s.grants.ListActiveForSubjects(ctx, ent.ProjectID, []string{ent.CustomerID, ent.ProjectID}, now)
	if err != nil {
		return state, "", fmt.Errorf("service: revalidate: list grants: %w", err)
	}
	var matching []domain.Grant
	for _, g := range grants {
		if g.FeaturePlanVersion.FeatureSlug == ent.FeatureSlug {
			matching = append(matching, g)
		}
	}
	if len(matching) == 0 {
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn("validateEntitlementState: delete revoked entitlement failed", zap.Error(err))
		}
		s.caches.invalidateFeature(ctx, ent.ProjectID, ent.CustomerID, ent.FeatureSlug)
		empty := domain.EntitlementState{Entitlement: domain.Entitlement{
			ProjectID: ent.ProjectID, CustomerID: ent.CustomerID, FeatureSlug: ent.FeatureSlug,
		}}
		return empty, domain.DeniedRevoked, nil
	}

	refreshed, err := resolver.Resolve(matching, now)
	if err != nil {
		return state, "", fmt.Errorf("service: revalidate: resolve: %w", err)
	}
	refreshed.CustomerID = ent.CustomerID

	if now.Before(refreshed.EffectiveAt) {
		return domain.EntitlementState{Entitlement: refreshed}, domain.DeniedNotActive, nil
	}
	if refreshed.ExpiresAt != nil && !now.Before(*refreshed.ExpiresAt) {
		return domain.EntitlementState{Entitlement: refreshed}, domain.DeniedExpired, nil
	}

	meter := s.initializeUsageMeter(ctx, refreshed, now)
	refreshedState := domain.EntitlementState{Entitlement: refreshed, Meter: meter}
	if err := s.store.Set(ctx, refreshedState); err != nil {
		return state, "", fmt.Errorf("service: revalidate: persist: %w", err)
	}
	s.caches.invalidateFeature(ctx, ent.ProjectID, ent.CustomerID, ent.FeatureSlug)
	return refreshedState, "", nil
}

// denyMessage gives each DeniedReason a stable, human-readable message for
// the few deny paths (validateEntitlementState) that don't already carry
// one from the usage meter's own decision.
func denyMessage(reason domain.DeniedReason) string {
	switch reason {
	case domain.DeniedNotActive:
		return "entitlement is not yet active"
	case domain.DeniedExpired:
		return "entitlement has expired"
	case domain.DeniedRevoked:
		return "entitlement has been revoked"
	default:
		return string(reason)
	}
}

func (s *Service) loadState(ctx context.Context, projectID, customerID, featureSlug string) (domain.EntitlementState, error) {
	now := s.clock.Now()
	grants, err := s.grants.ListActiveForSubjects(ctx, projectID, []string{customerID, projectID}, now)
	if err != nil {
		return domain.EntitlementState{}, fmt.Errorf("service: list grants: %w", err)
	}
	var matching []domain.Grant
	for _, g := range grants {
		if g.FeaturePlanVersion.FeatureSlug == featureSlug {
			matching = append(matching, g)
		}
	}
	if len(matching) == 0 {
		return domain.EntitlementState{}, errNoGrants
	}
	ent, err := resolver.Resolve(matching, now)
	if err != nil {
		return domain.EntitlementState{}, fmt.Errorf("service: resolve: %w", err)
	}
	ent.CustomerID = customerID

	storageKey := storage.MakeKey(projectID, customerID, featureSlug)
	existing, err := s.store.Get(ctx, storageKey)
	if err != nil {
		return domain.EntitlementState{}, fmt.Errorf("service: load meter: %w", err)
	}

	var meter domain.MeterState
	switch {
	case existing == nil:
		meter = s.initializeUsageMeter(ctx, ent, now)
	case existing.Entitlement.Version != ent.Version, crossedCycleBoundary(existing.Entitlement, ent, now):
		// Grant set changed or the meter's cycle has rolled over: re-seed
		// the meter from analytics exactly as on first access, which also
		// gives it a fresh reconcile cursor.
		meter = s.initializeUsageMeter(ctx, ent, now)
	default:
		meter = existing.Meter
	}

	state := domain.EntitlementState{Entitlement: ent, Meter: meter}
	if err := s.store.Set(ctx, state); err != nil {
		return domain.EntitlementState{}, fmt.Errorf("service: persist state: %w", err)
	}
	return state, nil
}

func crossedCycleBoundary(prev, next domain.Entitlement, now time.Time) bool {
	prevWindow := cyclewindow.Compute(prev.EffectiveAt, prev.ExpiresAt, now, prev.ResetConfig)
	nextWindow := cyclewindow.Compute(next.EffectiveAt, next.ExpiresAt, now, next.ResetConfig)
	return !prevWindow.Start.Equal(nextWindow.Start)
}

// initializeUsageMeter seeds a fresh meter by asking analytics for
// everything recorded up to now for this feature's current cycle. A
// cursor with no records yet reports an empty LastRecordID; the meter's
// reconcile cursor is pinned to the boundary (now) rather than left
// empty so the first reconcile pass has a well-defined starting point.
func (s *Service) initializeUsageMeter(ctx context.Context, ent domain.Entitlement, now time.Time) domain.MeterState {
	beforeRecordID := ulid.MustNew(ulid.Timestamp(now), nil).String()
	window := cyclewindow.Compute(ent.EffectiveAt, ent.ExpiresAt, now, ent.ResetConfig)
	cursor, err := s.analytics.GetFeaturesUsageCursor(ctx, analytics.UsageCursorRequest{
		CustomerID: ent.CustomerID, ProjectID: ent.ProjectID,
		Feature: analytics.FeatureRef{FeatureSlug: ent.FeatureSlug, AggregationMethod: ent.AggregationMethod, FeatureType: ent.FeatureType},
		BeforeRecordID: beforeRecordID,
		StartAt:        window.Start,
	})
	if err != nil {
		s.log.Warn("initializeUsageMeter: analytics fetch failed, starting from zero", zap.Error(err))
		return domain.MeterState{LastReconciledID: beforeRecordID, LastUpdated: now.UnixMilli()}
	}

	lastRecordID := cursor.LastRecordID
	if lastRecordID == "" {
		lastRecordID = beforeRecordID
	}
	return domain.MeterState{
		Usage: cursor.Usage, SnapshotUsage: cursor.Usage,
		LastReconciledID: lastRecordID, LastUpdated: now.UnixMilli(),
	}
}

// maybeReconcile kicks off one reconcile pass for this feature's state in
// the background, detached from the calling request: its outcome never
// affects the caller's response.
func (s *Service) maybeReconcile(state domain.EntitlementState) {
	if s.reconciler == nil {
		return
	}
	ent := state.Entitlement
	go func() {
		if _, err := s.reconciler.Run(context.Background(), state, s.clock.Now()); err != nil {
			s.log.Warn("background reconcile failed",
				zap.String("projectId", ent.ProjectID), zap.String("customerId", ent.CustomerID),
				zap.String("featureSlug", ent.FeatureSlug), zap.Error(err))
		}
	}()
}

func (s *Service) checkRateLimit(ctx context.Context, projectID, customerID string) error {
	if s.limiter == nil || !s.limiter.Enabled() {
		return nil
	}
	result, err := s.limiter.AllowCustomer(ctx, projectID, customerID)
	if err != nil {
		return fmt.Errorf("service: rate limit: %w", err)
	}
	if !result.Allowed {
		s.log.Warn("rate limited",
			zap.String("requestId", reqcontext.From(ctx).RequestID),
			zap.String("projectId", projectID), zap.String("customerId", customerID),
			zap.Duration("retryAfter", result.RetryAfter))
		return fmt.Errorf("service: rate limited, retry after %s", result.RetryAfter)
	}
	return nil
}

func (s *Service) denyResult(reason domain.DeniedReason, message string, start time.Time) domain.VerifyResult {
	return domain.VerifyResult{
		Allowed: false, DeniedReason: reason, Message: message, Latency: s.clock.Now().Sub(start),
	}
}

func (s *Service) recordVerification(ctx context.Context, ent domain.Entitlement, result domain.VerifyResult, requestID string, now time.Time) {
	v := domain.Verification{
		CustomerID: ent.CustomerID, ProjectID: ent.ProjectID, FeatureSlug: ent.FeatureSlug,
		Timestamp: now, Allowed: result.Allowed, DeniedReason: result.DeniedReason,
		Metadata:  domain.VerificationMetadata{Usage: result.Usage, Remaining: derefOr(result.Remaining, 0)},
		Latency:   result.Latency, RequestID: requestID, CreatedAt: s.clock.Now(),
	}
	if err := s.store.InsertVerification(ctx, v); err != nil {
		s.log.Warn("record verification failed", zap.Error(err))
	}
}

func derefOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
