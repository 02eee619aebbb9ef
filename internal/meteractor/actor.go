// Package meteractor hosts one single-threaded logical actor per
// customer, wrapping the Entitlement Service behind an in-process RPC
// surface with its own alarm-driven flush loop: a runJob-style wrapper
// around every entrypoint that records duration/error metrics, plus a
// ticker loop using a per-actor computed deadline instead of a fixed
// interval.
package meteractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/entitlement/domain"
	obsmetrics "github.com/unprice/entitlements/internal/observability/metrics"
	"github.com/unprice/entitlements/internal/reqcontext"
)

const (
	minAlarmInterval = 5 * time.Second
	maxAlarmInterval = 30 * time.Minute
)

// Actor pins one customer to a single logical instance: every entrypoint
// runs inside run(), which holds a mutex for the duration of the call so
// requests for this customer serialize, matching the single-threaded
// cooperative model callers outside the actor never observe directly.
type Actor struct {
	mu sync.Mutex

	projectID  string
	customerID string
	colo       string

	svc     domain.Service
	log     *zap.Logger
	metrics *obsmetrics.EntitlementMetrics

	hub *Hub

	alarmOnce sync.Once
	alarmStop chan struct{}
	ttl       time.Duration
}

// New constructs an actor for one (projectId, customerId) pair. colo is
// resolved once at construction and carried on every metric label this
// actor emits.
func New(projectID, customerID string, svc domain.Service, log *zap.Logger, metrics *obsmetrics.EntitlementMetrics, ttl time.Duration) *Actor {
	return &Actor{
		projectID:  projectID,
		customerID: customerID,
		colo:       resolveColo(),
		svc:        svc,
		log:        log.Named("meteractor").With(zap.String("projectId", projectID), zap.String("customerId", customerID)),
		metrics:    metrics,
		hub:        NewHub(),
		ttl:        ttl,
	}
}

// run is the single entrypoint wrapper every RPC method goes through: it
// takes the actor's turn lock, records duration/error metrics the way
// Scheduler.runJob does for scheduler jobs, and classifies the error for
// low-cardinality metric labels.
func (a *Actor) run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	ctx = reqcontext.With(ctx, reqcontext.WideEvent{
		RequestID:  reqcontext.From(ctx).RequestID,
		ProjectID:  a.projectID,
		CustomerID: a.customerID,
	})

	err := fn(ctx)
	duration := time.Since(start)
	if a.metrics != nil {
		a.metrics.ObserveAlarm(a.colo, duration, err)
	}
	if err != nil {
		return fmt.Errorf("meteractor: %s: %w", name, err)
	}
	return nil
}

func (a *Actor) Verify(ctx context.Context, req domain.VerifyRequest) (domain.VerifyResult, error) {
	var result domain.VerifyResult
	err := a.run(ctx, "verify", func(ctx context.Context) error {
		r, err := a.svc.Verify(ctx, req)
		result = r
		return err
	})
	if err == nil {
		a.hub.Publish(Event{Type: "verify", FeatureSlug: req.FeatureSlug, Allowed: result.Allowed})
		a.scheduleAlarm(req.FlushTime)
	}
	return result, err
}

func (a *Actor) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (domain.ReportUsageResult, error) {
	var result domain.ReportUsageResult
	err := a.run(ctx, "reportUsage", func(ctx context.Context) error {
		r, err := a.svc.ReportUsage(ctx, req)
		result = r
		return err
	})
	if err == nil {
		a.hub.Publish(Event{Type: "reportUsage", FeatureSlug: req.FeatureSlug, Allowed: result.Allowed})
		a.scheduleAlarm(nil)
	}
	return result, err
}

func (a *Actor) GetCurrentUsage(ctx context.Context) (domain.CurrentUsage, error) {
	var result domain.CurrentUsage
	err := a.run(ctx, "getCurrentUsage", func(ctx context.Context) error {
		r, err := a.svc.GetCurrentUsage(ctx, a.projectID, a.customerID)
		result = r
		return err
	})
	return result, err
}

func (a *Actor) ResetEntitlements(ctx context.Context) error {
	return a.run(ctx, "resetEntitlements", func(ctx context.Context) error {
		return a.svc.ResetEntitlements(ctx, a.projectID, a.customerID)
	})
}

func (a *Actor) GetActiveEntitlements(ctx context.Context) ([]domain.Entitlement, error) {
	var result []domain.Entitlement
	err := a.run(ctx, "getActiveEntitlements", func(ctx context.Context) error {
		r, err := a.svc.GetActiveEntitlements(ctx, a.projectID, a.customerID)
		result = r
		return err
	})
	return result, err
}

// Subscribe attaches a debug-UI subscriber to this actor's broadcast hub.
func (a *Actor) Subscribe() (<-chan Event, func()) {
	return a.hub.Subscribe()
}

// Colo returns the region label resolved at construction.
func (a *Actor) Colo() string {
	return a.colo
}

// scheduleAlarm clamps the alarm interval to
// min(30m, max(5s, flushTime ?? TTL)) and, on the first call only, starts
// the actor's single ticker loop at that interval; later calls do not
// change the interval of the running loop.
func (a *Actor) scheduleAlarm(flushTime *time.Duration) {
	interval := a.ttl
	if flushTime != nil {
		interval = *flushTime
	}
	if interval < minAlarmInterval {
		interval = minAlarmInterval
	}
	if interval > maxAlarmInterval {
		interval = maxAlarmInterval
	}

	a.alarmOnce.Do(func() {
		a.alarmStop = make(chan struct{})
		go a.runAlarmLoop(interval)
	})
}

// runAlarmLoop is the actor's private flush ticker, grounded on
// Scheduler.RunForever's ticker-driven job loop. Unlike the scheduler's
// fixed interval, this is a single long-lived loop per actor using the
// interval in effect when the actor was first armed; callers adjusting
// flushTime after that only affect newly constructed actors, which is an
// acceptable approximation of Durable Objects' per-call alarm
// rescheduling without an OS timer per call.
func (a *Actor) runAlarmLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.alarmStop:
			return
		case <-ticker.C:
			a.onAlarm()
		}
	}
}

// onAlarm flushes pending batches. Flush itself is a no-op on the
// storage side (writes are synchronous per storage.Store.Flush's
// contract); this still exists as the hook metrics/log flushing and a
// future batched-write backend would attach to.
func (a *Actor) onAlarm() {
	ctx := context.Background()
	start := time.Now()
	var err error
	func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		err = a.flushLocked(ctx)
	}()
	if a.metrics != nil {
		a.metrics.ObserveAlarm(a.colo, time.Since(start), err)
	}
	if err != nil {
		a.log.Warn("alarm flush failed", zap.Error(err))
	}
}

// flushLocked is the alarm's durability hook. Every write this core makes
// is already synchronous (storage.Store.Set/InsertUsageRecord commit
// before the RPC returns), so there is no pending batch to drain today;
// this stays a named hook rather than being inlined into onAlarm so a
// future batched-write backend has a single place to attach to.
func (a *Actor) flushLocked(ctx context.Context) error {
	return nil
}

// Stop tears down the actor's alarm loop. Safe to call more than once.
func (a *Actor) Stop() {
	a.alarmOnce.Do(func() {})
	if a.alarmStop != nil {
		select {
		case <-a.alarmStop:
		default:
			close(a.alarmStop)
		}
	}
	a.hub.Close()
}
