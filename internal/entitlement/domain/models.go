// Package domain holds the data model shared by every entitlement
// component: grants, the resolved entitlement view, the live meter state,
// and the append-only usage/verification log.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// SubjectType identifies who a Grant was issued to.
type SubjectType string

const (
	SubjectCustomer    SubjectType = "customer"
	SubjectProject     SubjectType = "project"
	SubjectPlan        SubjectType = "plan"
	SubjectPlanVersion SubjectType = "plan_version"
)

// GrantType identifies why a Grant exists; its priority is derived from it.
type GrantType string

const (
	GrantSubscription GrantType = "subscription"
	GrantAddon        GrantType = "addon"
	GrantTrial        GrantType = "trial"
	GrantPromotion    GrantType = "promotion"
	GrantManual        GrantType = "manual"
)

// PriorityFor returns the fixed priority a grant type carries. The
// resolver sorts grants by priority descending, so higher wins: manual
// (80) outranks promotion (70), trial (60), addon (20), and subscription
// (10), in that order.
func PriorityFor(t GrantType) int {
	switch t {
	case GrantSubscription:
		return 10
	case GrantAddon:
		return 20
	case GrantTrial:
		return 60
	case GrantPromotion:
		return 70
	case GrantManual:
		return 80
	default:
		return 80
	}
}

// FeatureType classifies how a feature's usage is measured.
type FeatureType string

const (
	FeatureFlat    FeatureType = "flat"
	FeatureTier    FeatureType = "tier"
	FeaturePackage FeatureType = "package"
	FeatureUsage   FeatureType = "usage"
)

// AggregationMethod names a row in the Aggregation Config table (see
// package aggregation for the behavior/scope/resets it maps to).
type AggregationMethod string

const (
	AggregationNone              AggregationMethod = "none"
	AggregationSum               AggregationMethod = "sum"
	AggregationCount             AggregationMethod = "count"
	AggregationMax                AggregationMethod = "max"
	AggregationLastDuringPeriod  AggregationMethod = "last_during_period"
	AggregationSumAll            AggregationMethod = "sum_all"
	AggregationCountAll          AggregationMethod = "count_all"
	AggregationMaxAll            AggregationMethod = "max_all"
)

// UsageMode refines how a "usage" feature type prices/limits consumption.
type UsageMode string

const (
	UsageModeTier    UsageMode = "tier"
	UsageModeUnit    UsageMode = "unit"
	UsageModePackage UsageMode = "package"
)

// MergingPolicy is the policy the Grant Resolver applies to combine
// multiple active grants for the same (customer, feature) pair.
type MergingPolicy string

const (
	MergeSum     MergingPolicy = "sum"
	MergeMax     MergingPolicy = "max"
	MergeMin     MergingPolicy = "min"
	MergeReplace MergingPolicy = "replace"
)

// OverageStrategy controls what happens once usage crosses the limit.
type OverageStrategy string

const (
	OverageNone     OverageStrategy = "none"
	OverageLastCall OverageStrategy = "last-call"
	OverageAlways   OverageStrategy = "always"
)

// DeniedReason is the stable, machine-readable reason a verify/report call
// was denied. Always present on a deny result.
type DeniedReason string

const (
	DeniedEntitlementNotFound DeniedReason = "ENTITLEMENT_NOT_FOUND"
	DeniedEntitlementError    DeniedReason = "ENTITLEMENT_ERROR"
	DeniedLimitExceeded       DeniedReason = "LIMIT_EXCEEDED"
	DeniedFeatureDisabled     DeniedReason = "FEATURE_DISABLED"
	DeniedNotActive           DeniedReason = "NOT_ACTIVE"
	DeniedExpired             DeniedReason = "EXPIRED"
	DeniedRevoked             DeniedReason = "REVOKED"
)

// BillingConfig describes the billing cadence a FeaturePlanVersion
// inherits from its plan.
type BillingConfig struct {
	Name                  string `json:"name"`
	BillingInterval       string `json:"billingInterval"`
	BillingIntervalCount  int    `json:"billingIntervalCount"`
	PlanType              string `json:"planType"`
	BillingAnchor         int64  `json:"billingAnchor"`
}

// ResetConfig describes the cycle a usage meter resets on. A nil
// ResetConfig means the feature is lifetime-scoped (never resets).
type ResetConfig struct {
	Name             string `json:"name"`
	ResetInterval    string `json:"resetInterval"`
	ResetIntervalCount int  `json:"resetIntervalCount"`
	PlanType         string `json:"planType"`
	ResetAnchor      int64  `json:"resetAnchor"`
}

// FeaturePlanVersionMetadata carries the knobs the Usage Meter and the
// orchestrator read when deciding overage and notification behavior.
type FeaturePlanVersionMetadata struct {
	OverageStrategy       OverageStrategy `json:"overageStrategy"`
	NotifyUsageThreshold  float64         `json:"notifyUsageThreshold"`
	BlockCustomer         bool            `json:"blockCustomer"`
	Hidden                bool            `json:"hidden"`
	Realtime              bool            `json:"realtime"`
}

// PriceTier is one step of a waterfall tiered/packaged price schedule.
type PriceTier struct {
	UpTo      *int64  `json:"upTo"` // nil = unbounded last tier
	UnitPrice float64 `json:"unitPrice"`
	FlatPrice float64 `json:"flatPrice"`
}

// PricingConfig is the winning grant's pricing waterfall.
type PricingConfig struct {
	Tiers     []PriceTier `json:"tiers,omitempty"`
	Packages  []PriceTier `json:"packages,omitempty"`
	FlatPrice float64     `json:"flatPrice,omitempty"`
	Currency  string      `json:"currency,omitempty"`
}

// FeaturePlanVersion is the per-grant configuration referenced by a Grant.
// It is embedded on the Grant row as JSON rather than normalized, matching
// how the grant snapshot travels with the Entitlement.
type FeaturePlanVersion struct {
	ID                string                     `json:"id"`
	FeatureSlug       string                     `json:"featureSlug"`
	FeatureType       FeatureType                `json:"featureType"`
	AggregationMethod AggregationMethod          `json:"aggregationMethod"`
	UsageMode         UsageMode                  `json:"usageMode,omitempty"`
	BillingConfig     BillingConfig              `json:"billingConfig"`
	ResetConfig       *ResetConfig               `json:"resetConfig,omitempty"`
	Metadata          FeaturePlanVersionMetadata `json:"metadata"`
	Config            PricingConfig              `json:"config"`
}

// Grant is a unit of entitlement issued to a subject. Grants are
// append-only: "deletion" is a soft delete that sets Deleted/DeletedAt.
type Grant struct {
	ID                    string       `gorm:"primaryKey" json:"id"`
	ProjectID             string       `gorm:"index:idx_grant_subject;uniqueIndex:idx_entitlement_grants_uniqueness" json:"projectId"`
	SubjectType           SubjectType  `gorm:"index:idx_grant_subject;uniqueIndex:idx_entitlement_grants_uniqueness" json:"subjectType"`
	SubjectID             string       `gorm:"index:idx_grant_subject;uniqueIndex:idx_entitlement_grants_uniqueness" json:"subjectId"`
	FeaturePlanVersionID  string       `gorm:"uniqueIndex:idx_entitlement_grants_uniqueness" json:"featurePlanVersionId"`
	FeaturePlanVersion    FeaturePlanVersion `gorm:"serializer:json" json:"featurePlanVersion"`
	Type                  GrantType    `gorm:"uniqueIndex:idx_entitlement_grants_uniqueness" json:"type"`
	Priority              int          `json:"priority"`
	Limit                 *float64     `json:"limit"`
	Anchor                int64        `json:"anchor"`
	EffectiveAt           time.Time    `gorm:"uniqueIndex:idx_entitlement_grants_uniqueness" json:"effectiveAt"`
	ExpiresAt             *time.Time   `gorm:"uniqueIndex:idx_entitlement_grants_uniqueness" json:"expiresAt"`
	AutoRenew             bool         `json:"autoRenew"`
	Deleted               bool         `gorm:"index" json:"deleted"`
	DeletedAt             *time.Time   `json:"deletedAt,omitempty"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
}

// TableName pins the grants table name explicitly rather than relying on
// GORM's pluralization guess.
func (Grant) TableName() string { return "entitlement_grants" }

// IsLive reports whether the grant is active at now.
func (g Grant) IsLive(now time.Time) bool {
	if g.Deleted {
		return false
	}
	if now.Before(g.EffectiveAt) {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// GrantSnapshot is the immutable per-grant record preserved inside a
// computed Entitlement.
type GrantSnapshot struct {
	ID          string        `json:"id"`
	Type        GrantType     `json:"type"`
	Name        string        `json:"name"`
	EffectiveAt time.Time     `json:"effectiveAt"`
	ExpiresAt   *time.Time    `json:"expiresAt"`
	Limit       *float64      `json:"limit"`
	Priority    int           `json:"priority"`
	Config      PricingConfig `json:"config"`
}

// Entitlement is the computed, per-(customer, project, featureSlug) merged
// view of active grants.
type Entitlement struct {
	ID                string             `gorm:"primaryKey" json:"id"`
	ProjectID         string             `gorm:"index:idx_entitlement_lookup" json:"projectId"`
	CustomerID        string             `gorm:"index:idx_entitlement_lookup" json:"customerId"`
	FeatureSlug       string             `gorm:"index:idx_entitlement_lookup" json:"featureSlug"`
	FeatureType       FeatureType        `json:"featureType"`
	Limit             *float64           `json:"limit"`
	AggregationMethod AggregationMethod  `json:"aggregationMethod"`
	ResetConfig       *ResetConfig       `gorm:"serializer:json" json:"resetConfig,omitempty"`
	MergingPolicy     MergingPolicy      `json:"mergingPolicy"`
	Grants            []GrantSnapshot    `gorm:"serializer:json" json:"grants"`
	Version           string             `json:"version"`
	EffectiveAt       time.Time          `json:"effectiveAt"`
	ExpiresAt         *time.Time         `json:"expiresAt"`
	NextRevalidateAt  time.Time          `json:"nextRevalidateAt"`
	ComputedAt        time.Time          `json:"computedAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	OverageStrategy   OverageStrategy    `json:"overageStrategy"`
	Metadata          datatypes.JSONMap  `json:"metadata,omitempty"`
}

// TableName pins the entitlements table name.
func (Entitlement) TableName() string { return "entitlements" }

// Key returns the (projectId, customerId, featureSlug) cache/storage key.
func (e Entitlement) Key() string {
	return e.ProjectID + ":" + e.CustomerID + ":" + e.FeatureSlug
}

// MeterState is the per-entitlement runtime counter.
type MeterState struct {
	Usage            float64 `json:"usage"`
	SnapshotUsage    float64 `json:"snapshotUsage"`
	LastReconciledID string  `json:"lastReconciledId"`
	LastUpdated      int64   `json:"lastUpdated"`
	LastCycleStart   *int64  `json:"lastCycleStart,omitempty"`
}

// EntitlementState is the live state held by the actor: an Entitlement
// joined with its runtime MeterState.
type EntitlementState struct {
	Entitlement Entitlement `json:"entitlement"`
	Meter       MeterState  `json:"meter"`
}

// UsageRecord is an append-only unit of recorded usage.
type UsageRecord struct {
	ID             string         `gorm:"primaryKey" json:"id"`
	CustomerID     string         `gorm:"index:idx_usage_lookup" json:"customerId"`
	ProjectID      string         `gorm:"index:idx_usage_lookup" json:"projectId"`
	FeatureSlug    string         `gorm:"index:idx_usage_lookup" json:"featureSlug"`
	Usage          float64        `json:"usage"`
	Timestamp      time.Time      `json:"timestamp"`
	IdempotenceKey string         `gorm:"index" json:"idempotenceKey"`
	RequestID      string         `json:"requestId"`
	CreatedAt      time.Time      `json:"createdAt"`
	Metadata       UsageMetadata  `gorm:"serializer:snappyjson" json:"metadata"`
	Deleted        bool           `json:"deleted"`
}

// TableName pins the usage-record log table name.
func (UsageRecord) TableName() string { return "entitlement_usage_records" }

// UsageMetadata embeds the cost breakdown computed for a usage record.
type UsageMetadata struct {
	Cost        float64 `json:"cost,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	RateAmount  float64 `json:"rateAmount,omitempty"`
	RateCurrency string `json:"rateCurrency,omitempty"`
}

// Verification is an append-only record of a verify decision.
type Verification struct {
	ID           string               `gorm:"primaryKey" json:"id"`
	CustomerID   string               `gorm:"index:idx_verification_lookup" json:"customerId"`
	ProjectID    string               `gorm:"index:idx_verification_lookup" json:"projectId"`
	FeatureSlug  string               `gorm:"index:idx_verification_lookup" json:"featureSlug"`
	Timestamp    time.Time            `json:"timestamp"`
	Allowed      bool                 `json:"allowed"`
	DeniedReason DeniedReason         `json:"deniedReason,omitempty"`
	Metadata     VerificationMetadata `gorm:"serializer:json" json:"metadata"`
	Latency      time.Duration        `json:"latency"`
	RequestID    string               `json:"requestId"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// TableName pins the verification log table name.
func (Verification) TableName() string { return "entitlement_verifications" }

// VerificationMetadata carries the meter snapshot observed at verify time.
type VerificationMetadata struct {
	Usage     float64 `json:"usage"`
	Remaining float64 `json:"remaining"`
}
