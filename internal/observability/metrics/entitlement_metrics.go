// Package metrics instruments the actor and reconciler with Prometheus
// counters/histograms behind a singleton-via-sync.Once accessor so every
// caller shares one registered collector set.
package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Config carries the low-cardinality labels every instrument is tagged with.
type Config struct {
	ServiceName string
	Environment string
}

// EntitlementMetrics captures actor/reconciler health signals.
type EntitlementMetrics struct {
	verifyTotal       *prometheus.CounterVec
	verifyLatency     *prometheus.HistogramVec
	reportTotal       *prometheus.CounterVec
	denyTotal         *prometheus.CounterVec
	alarmRuns         *prometheus.CounterVec
	alarmDuration     prometheus.Histogram
	alarmErrors       *prometheus.CounterVec
	reconcileRuns     prometheus.Counter
	reconcileSkipped  *prometheus.CounterVec
	reconcileDrift    prometheus.Histogram
	reconcileRejected prometheus.Counter
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *EntitlementMetrics
)

// Get returns the singleton entitlement-metrics registry.
func Get() *EntitlementMetrics {
	return GetWithConfig(Config{})
}

// GetWithConfig returns the singleton, initializing it with cfg on first use.
func GetWithConfig(cfg Config) *EntitlementMetrics {
	once.Do(func() {
		instance = newMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return instance
}

// ResetForTest clears the singleton so tests can re-register fresh
// collectors against an isolated registry.
func ResetForTest() {
	once = sync.Once{}
	instance = nil
}

func newMetrics(registerer prometheus.Registerer, cfg Config) *EntitlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "entitlementd"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	m := &EntitlementMetrics{
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_verify_total", Help: "Verify calls by allow/deny outcome.", ConstLabels: constLabels,
		}, []string{"allowed"}),
		verifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "entitlement_verify_latency_seconds", Help: "Verify call latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}, ConstLabels: constLabels,
		}, []string{"feature_type"}),
		reportTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_report_usage_total", Help: "ReportUsage calls by outcome.", ConstLabels: constLabels,
		}, []string{"allowed", "already_recorded"}),
		denyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_denied_total", Help: "Denied verify/report calls by reason.", ConstLabels: constLabels,
		}, []string{"reason"}),
		alarmRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_actor_alarm_runs_total", Help: "Actor alarm callback invocations.", ConstLabels: constLabels,
		}, []string{"customer_shard"}),
		alarmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "entitlement_actor_alarm_duration_seconds", Help: "Actor alarm callback latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}, ConstLabels: constLabels,
		}),
		alarmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_actor_alarm_errors_total", Help: "Actor alarm callback errors by reason.", ConstLabels: constLabels,
		}, []string{"reason"}),
		reconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_reconcile_runs_total", Help: "Reconcile attempts.", ConstLabels: constLabels,
		}),
		reconcileSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_reconcile_skipped_total", Help: "Reconcile skips by reason.", ConstLabels: constLabels,
		}, []string{"reason"}),
		reconcileDrift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "entitlement_reconcile_drift", Help: "Absolute drift observed during reconciliation.",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 100, 1000, 10000}, ConstLabels: constLabels,
		}),
		reconcileRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_reconcile_drift_too_large_total", Help: "Reconciliations rejected for exceeding MAX_DRIFT.", ConstLabels: constLabels,
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_cache_hits_total", Help: "Cache hits by namespace and tier.", ConstLabels: constLabels,
		}, []string{"namespace", "tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_cache_misses_total", Help: "Cache misses by namespace.", ConstLabels: constLabels,
		}, []string{"namespace"}),
	}

	registerer.MustRegister(
		m.verifyTotal, m.verifyLatency, m.reportTotal, m.denyTotal,
		m.alarmRuns, m.alarmDuration, m.alarmErrors,
		m.reconcileRuns, m.reconcileSkipped, m.reconcileDrift, m.reconcileRejected,
		m.cacheHits, m.cacheMisses,
	)
	return m
}

func (m *EntitlementMetrics) ObserveVerify(allowed bool, featureType string, latency time.Duration) {
	if m == nil {
		return
	}
	m.verifyTotal.WithLabelValues(boolLabel(allowed)).Inc()
	m.verifyLatency.WithLabelValues(featureType).Observe(latency.Seconds())
}

func (m *EntitlementMetrics) ObserveReportUsage(allowed, alreadyRecorded bool) {
	if m == nil {
		return
	}
	m.reportTotal.WithLabelValues(boolLabel(allowed), boolLabel(alreadyRecorded)).Inc()
}

func (m *EntitlementMetrics) IncDenied(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.denyTotal.WithLabelValues(reason).Inc()
}

func (m *EntitlementMetrics) ObserveAlarm(shard string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.alarmRuns.WithLabelValues(shard).Inc()
	m.alarmDuration.Observe(duration.Seconds())
	if err != nil {
		m.alarmErrors.WithLabelValues(ClassifyFaultReason(err)).Inc()
	}
}

func (m *EntitlementMetrics) IncReconcileRun() {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
}

func (m *EntitlementMetrics) IncReconcileSkipped(reason string) {
	if m == nil {
		return
	}
	m.reconcileSkipped.WithLabelValues(reason).Inc()
}

func (m *EntitlementMetrics) ObserveDrift(drift float64, tooLarge bool) {
	if m == nil {
		return
	}
	if drift < 0 {
		drift = -drift
	}
	m.reconcileDrift.Observe(drift)
	if tooLarge {
		m.reconcileRejected.Inc()
	}
}

func (m *EntitlementMetrics) IncCacheHit(namespace, tier string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(namespace, tier).Inc()
}

func (m *EntitlementMetrics) IncCacheMiss(namespace string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(namespace).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ClassifyFaultReason maps an error to a low-cardinality reason label
// suitable for a metric label value.
func ClassifyFaultReason(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "deadline_exceeded"
	}
	if isDBError(err) {
		return "db"
	}
	return "business_rule"
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrRegistered) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDryRunModeUnsupported) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
