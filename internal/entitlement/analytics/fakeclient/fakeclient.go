// Package fakeclient is an in-memory analytics.Client double for tests.
package fakeclient

import (
	"context"
	"sync"

	"github.com/unprice/entitlements/internal/entitlement/aggregation"
	"github.com/unprice/entitlements/internal/entitlement/analytics"
)

type record struct {
	id        string
	usage     float64
	projectID string
	customer  string
	feature   string
}

// Client is a deterministic in-memory analytics.Client. Records appended
// via Append are ordered by insertion; record ids are compared
// lexicographically exactly like real ULIDs.
type Client struct {
	mu      sync.Mutex
	records []record
	billing map[string][]analytics.BillingUsageRow
}

func New() *Client {
	return &Client{billing: map[string][]analytics.BillingUsageRow{}}
}

// Append records one usage event as analytics would, for test setup.
func (c *Client) Append(projectID, customerID, featureSlug, recordID string, usage float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record{id: recordID, usage: usage, projectID: projectID, customer: customerID, feature: featureSlug})
}

// SeedBillingUsage installs a canned GetBillingUsage response for a
// (project, customer) pair, keyed by feature slug.
func (c *Client) SeedBillingUsage(projectID, customerID string, rows []analytics.BillingUsageRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.billing[projectID+":"+customerID] = rows
}

func (c *Client) GetFeaturesUsageCursor(ctx context.Context, req analytics.UsageCursorRequest) (analytics.UsageCursorResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rule := aggregation.Lookup(req.Feature.AggregationMethod)

	var usage float64
	var lastID string
	for _, r := range c.records {
		if r.projectID != req.ProjectID || r.customer != req.CustomerID || r.feature != req.Feature.FeatureSlug {
			continue
		}
		if req.AfterRecordID != "" && r.id <= req.AfterRecordID {
			continue
		}
		if req.BeforeRecordID != "" && r.id > req.BeforeRecordID {
			continue
		}
		if lastID == "" || r.id > lastID {
			lastID = r.id
		}
		switch rule.Behavior {
		case aggregation.BehaviorMax:
			if r.usage > usage {
				usage = r.usage
			}
		case aggregation.BehaviorLast:
			usage = r.usage
		case aggregation.BehaviorNone:
			// no accumulation
		default:
			usage += r.usage
		}
	}

	return analytics.UsageCursorResult{
		FeatureSlug:  req.Feature.FeatureSlug,
		Usage:        usage,
		LastRecordID: lastID,
	}, nil
}

func (c *Client) GetBillingUsage(ctx context.Context, req analytics.BillingUsageRequest) ([]analytics.BillingUsageRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.billing[req.ProjectID+":"+req.CustomerID], nil
}
