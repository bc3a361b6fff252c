package models

import (
	"database/sql"
	"time"
)

type Document struct {
	ID           int64
	OriginalName string
	StoredPath   string
	PageCount    int
	SizeBytes    int64
	UploadedAt   time.Time
}

type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierBasic      SubscriptionTier = "basic"
	TierPremium    SubscriptionTier = "premium"
	TierEnterprise SubscriptionTier = "enterprise"
)

// TierPlan describes the monthly page quota and the per-page price billed
// to the customer. Quota -1 means unlimited.
type TierPlan struct {
	Quota        int
	PricePerPage float64
}

var TierPlans = map[SubscriptionTier]TierPlan{
	TierFree:       {Quota: 10, PricePerPage: 0},
	TierBasic:      {Quota: 500, PricePerPage: 0.05},
	TierPremium:    {Quota: 5000, PricePerPage: 0.04},
	TierEnterprise: {Quota: -1, PricePerPage: 0.03},
}

func ValidTier(t SubscriptionTier) bool {
	_, ok := TierPlans[t]
	return ok
}

type Customer struct {
	ID                string
	Email             string
	Tier              SubscriptionTier
	CurrentUsage      int
	PreferredProvider sql.NullString
	// CustomKeys maps provider name to a customer-supplied API key.
	// Keys here take precedence over the service's own keys.
	CustomKeys map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Plan resolves the customer's tier plan, falling back to free for
// unknown tiers left behind by old rows.
func (c *Customer) Plan() TierPlan {
	if plan, ok := TierPlans[c.Tier]; ok {
		return plan
	}
	return TierPlans[TierFree]
}

type UsageEvent struct {
	ID           int64
	CustomerID   sql.NullString
	DocumentID   sql.NullInt64
	Provider     string
	Pages        int
	APICost      float64
	CustomerCost float64
	Margin       float64
	CreatedAt    time.Time
}

// ParseRecord is the persisted outcome of one parse operation.
type ParseRecord struct {
	ID           int64
	DocumentID   int64
	CustomerID   sql.NullString
	Strategy     string
	Provider     sql.NullString
	PagesTotal   int
	PagesLibrary int
	PagesOCR     int
	PagesAI      int
	Confidence   float64
	CostUSD      float64
	DurationMS   int64
	CreatedAt    time.Time
}

// UsageStats summarizes a customer's consumption for the usage endpoint.
type UsageStats struct {
	CustomerID        string
	Tier              SubscriptionTier
	PreferredProvider string
	CurrentUsage      int
	MonthlyQuota      int
	RemainingPages    int
	TotalCharged      float64
	TotalEvents       int
}
