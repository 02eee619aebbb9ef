// Package analytics describes the settled-usage collaborator the
// reconciler and the orchestrator's meter-initialization path depend on.
// The core never writes usage directly to analytics; it only reads
// aggregates back once they have settled past the watermark.
package analytics

import (
	"context"
	"time"

	"github.com/unprice/entitlements/internal/entitlement/domain"
)

// FeatureRef is the minimal feature descriptor analytics needs to decide
// how to aggregate (sum/max/last) over the requested record-id range.
type FeatureRef struct {
	FeatureSlug       string
	AggregationMethod domain.AggregationMethod
	FeatureType       domain.FeatureType
}

// UsageCursorRequest asks for the aggregated usage over a half-open
// record-id range, optionally bounded below by startAt.
type UsageCursorRequest struct {
	CustomerID     string
	ProjectID      string
	Feature        FeatureRef
	AfterRecordID  string
	BeforeRecordID string
	StartAt        time.Time
}

// UsageCursorResult is the aggregated value over the requested range, plus
// the last record id actually observed (advances the reconciler's cursor).
type UsageCursorResult struct {
	FeatureSlug   string
	Usage         float64
	LastRecordID  string
}

// BillingUsageRequest asks for per-feature rollups over a wall-clock range,
// used by getCurrentUsage to estimate idle (non-hot) features.
type BillingUsageRequest struct {
	CustomerID   string
	ProjectID    string
	FeatureSlugs []string
	Start        time.Time
	End          time.Time
}

// BillingUsageRow is one feature's rollup over the requested range.
type BillingUsageRow struct {
	FeatureSlug      string
	Sum              float64
	Max              float64
	Count            int64
	LastDuringPeriod float64
}

// Client is the settled-analytics collaborator consumed by the core.
type Client interface {
	GetFeaturesUsageCursor(ctx context.Context, req UsageCursorRequest) (UsageCursorResult, error)
	GetBillingUsage(ctx context.Context, req BillingUsageRequest) ([]BillingUsageRow, error)
}
