// Package gormclient implements analytics.Client over the same
// append-only entitlement_usage_records table entitlement/storage writes,
// aggregating by the ULID record-id range the reconciler supplies.
package gormclient

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/unprice/entitlements/internal/entitlement/aggregation"
	"github.com/unprice/entitlements/internal/entitlement/analytics"
)

type Client struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(db *gorm.DB, log *zap.Logger) analytics.Client {
	return &Client{db: db, log: log.Named("analytics.gormclient")}
}

// GetFeaturesUsageCursor aggregates entitlement_usage_records in the
// half-open record-id range (afterRecordId, beforeRecordId], bounded below
// by startAt, using the SQL aggregate that matches the feature's
// aggregation behavior (sum/max/last).
func (c *Client) GetFeaturesUsageCursor(ctx context.Context, req analytics.UsageCursorRequest) (analytics.UsageCursorResult, error) {
	if c.db == nil {
		return analytics.UsageCursorResult{}, errors.New("gormclient: missing db")
	}

	q := c.db.WithContext(ctx).
		Table("entitlement_usage_records").
		Where("project_id = ? AND customer_id = ? AND feature_slug = ? AND deleted = false", req.ProjectID, req.CustomerID, req.Feature.FeatureSlug)

	if req.AfterRecordID != "" {
		q = q.Where("id > ?", req.AfterRecordID)
	}
	if req.BeforeRecordID != "" {
		q = q.Where("id <= ?", req.BeforeRecordID)
	}
	if !req.StartAt.IsZero() {
		q = q.Where("timestamp >= ?", req.StartAt)
	}

	rule := aggregation.Lookup(req.Feature.AggregationMethod)

	var lastRecordID string
	if err := q.Session(&gorm.Session{}).Order("id DESC").Limit(1).Pluck("id", &lastRecordID).Error; err != nil {
		return analytics.UsageCursorResult{}, err
	}

	var usage float64
	var err error
	switch rule.Behavior {
	case aggregation.BehaviorMax:
		err = q.Session(&gorm.Session{}).Select("COALESCE(MAX(usage), 0)").Row().Scan(&usage)
	case aggregation.BehaviorLast:
		err = q.Session(&gorm.Session{}).Order("id DESC").Limit(1).Pluck("usage", &usage).Error
	case aggregation.BehaviorNone:
		usage = 0
	default: // sum
		err = q.Session(&gorm.Session{}).Select("COALESCE(SUM(usage), 0)").Row().Scan(&usage)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return analytics.UsageCursorResult{}, err
	}

	return analytics.UsageCursorResult{
		FeatureSlug:  req.Feature.FeatureSlug,
		Usage:        usage,
		LastRecordID: lastRecordID,
	}, nil
}

// GetBillingUsage returns sum/max/count/last_during_period rollups for
// each requested feature over [start, end), used to estimate idle
// (non-hot) features in getCurrentUsage.
func (c *Client) GetBillingUsage(ctx context.Context, req analytics.BillingUsageRequest) ([]analytics.BillingUsageRow, error) {
	if c.db == nil {
		return nil, errors.New("gormclient: missing db")
	}
	if len(req.FeatureSlugs) == 0 {
		return nil, nil
	}

	type row struct {
		FeatureSlug string
		Sum         float64
		Max         float64
		Count       int64
	}
	var rows []row
	err := c.db.WithContext(ctx).
		Table("entitlement_usage_records").
		Select("feature_slug, COALESCE(SUM(usage),0) AS sum, COALESCE(MAX(usage),0) AS max, COUNT(*) AS count").
		Where("project_id = ? AND customer_id = ? AND feature_slug IN ? AND deleted = false AND timestamp >= ? AND timestamp < ?",
			req.ProjectID, req.CustomerID, req.FeatureSlugs, req.Start, req.End).
		Group("feature_slug").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]analytics.BillingUsageRow, 0, len(rows))
	for _, r := range rows {
		var last float64
		_ = c.db.WithContext(ctx).
			Table("entitlement_usage_records").
			Where("project_id = ? AND customer_id = ? AND feature_slug = ? AND deleted = false AND timestamp >= ? AND timestamp < ?",
				req.ProjectID, req.CustomerID, r.FeatureSlug, req.Start, req.End).
			Order("id DESC").Limit(1).Pluck("usage", &last).Error

		out = append(out, analytics.BillingUsageRow{
			FeatureSlug:      r.FeatureSlug,
			Sum:              r.Sum,
			Max:              r.Max,
			Count:            r.Count,
			LastDuringPeriod: last,
		})
	}
	return out, nil
}
