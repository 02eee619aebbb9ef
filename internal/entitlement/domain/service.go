package domain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by the core. Every deny result still carries a
// DeniedReason (see models.go); these errors are for calls that cannot
// even produce a deny result (malformed input, downstream fault).
var (
	ErrSchemaInvalid = errors.New("entitlement: input failed validation")
	ErrFetchFailed   = errors.New("entitlement: downstream fetch failed")
	ErrDriftTooLarge = errors.New("entitlement: reconciler refused a correction")
	ErrNoGrants      = errors.New("entitlement: grant set is empty")
	ErrFeatureMismatch = errors.New("entitlement: grants span different feature slugs")
	ErrUnhandled     = errors.New("entitlement: unhandled internal fault")
)

// VerifyRequest is the inbound shape for Service.Verify.
type VerifyRequest struct {
	CustomerID      string
	ProjectID       string
	FeatureSlug     string
	Timestamp       time.Time
	Usage           *float64 // defaults to 1 when nil
	IdempotenceKey  string
	RequestID       string
	Metadata        map[string]any
	PerformanceStart time.Time
	FlushTime       *time.Duration
}

// VerifyResult is the outbound shape for Service.Verify.
type VerifyResult struct {
	Allowed      bool
	Message      string
	DeniedReason DeniedReason
	Usage        float64
	Limit        *float64
	Remaining    *float64
	Latency      time.Duration
	FeatureType  FeatureType
}

// ReportUsageRequest is the inbound shape for Service.ReportUsage.
type ReportUsageRequest struct {
	CustomerID     string
	ProjectID      string
	FeatureSlug    string
	Usage          float64 // signed: negative values are refunds
	Timestamp      time.Time
	IdempotenceKey string
	RequestID      string
	Metadata       map[string]any
}

// ReportUsageResult is the outbound shape for Service.ReportUsage.
type ReportUsageResult struct {
	Allowed           bool
	Remaining         *float64
	Message           string
	DeniedReason      DeniedReason
	Usage             float64
	Limit             *float64
	Cost              *float64
	NotifiedOverLimit bool
	AlreadyRecorded   bool
}

// CurrentUsageFeature is one row of the human-facing usage summary.
type CurrentUsageFeature struct {
	FeatureSlug string
	Usage       float64
	Limit       *float64
	Remaining   *float64
}

// PriceSummary is the computed cost breakdown for CurrentUsage.
type PriceSummary struct {
	TotalPrice   float64
	FlatTotal    float64
	TieredTotal  float64
	PackageTotal float64
	UsageTotal   float64
}

// CurrentUsage is the outbound shape for Service.GetCurrentUsage.
type CurrentUsage struct {
	PlanName      string
	BillingPeriod string
	RenewalDate   time.Time
	DaysRemaining int
	Currency      string
	Groups        []CurrentUsageFeature
	PriceSummary  PriceSummary
}

// AccessControlList is the derived, cached ACL summary for a customer.
type AccessControlList struct {
	UsageLimitReached    bool
	Disabled             bool
	SubscriptionStatus   string
}

// MinimalEntitlement is the trimmed projection GetAccessControlList
// computes from the cached entitlements: enough for ACL checks without the
// grant history or pricing config that the full Entitlement carries. The
// customerEntitlements namespace caches full Entitlement values, not this
// projection.
type MinimalEntitlement struct {
	FeatureSlug     string
	FeatureType     FeatureType
	Limit           *float64
	OverageStrategy OverageStrategy
}

// Service is the Entitlement Service orchestrator contract (component I).
type Service interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error)
	ReportUsage(ctx context.Context, req ReportUsageRequest) (ReportUsageResult, error)
	GetCurrentUsage(ctx context.Context, projectID, customerID string) (CurrentUsage, error)
	ResetEntitlements(ctx context.Context, projectID, customerID string) error
	GetAccessControlList(ctx context.Context, projectID, customerID string) (AccessControlList, error)
	GetActiveEntitlements(ctx context.Context, projectID, customerID string) ([]Entitlement, error)
}
