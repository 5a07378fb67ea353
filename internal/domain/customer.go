package domain

import (
	"time"
)

// Customer is the live per-user record. The seven behavioral features are a
// cache derived from the transaction log; the log is the source of truth.
type Customer struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	UserID     string `json:"userId"`
	CustomerID string `json:"customerId"` // display code, e.g. "C4f2a91"

	CreditLimit float64 `json:"creditLimit"`

	// Behavioral features, in model column order together with CreditLimit.
	UtilisationPct       float64 `json:"utilisationPct"`
	AvgPaymentRatio      float64 `json:"avgPaymentRatio"`
	MinDuePaidFrequency  float64 `json:"minDuePaidFrequency"`
	MerchantMixIndex     float64 `json:"merchantMixIndex"`
	CashWithdrawalPct    float64 `json:"cashWithdrawalPct"`
	RecentSpendChangePct float64 `json:"recentSpendChangePct"`

	// Denormalized latest scoring result.
	RiskBand  string   `json:"riskBand,omitempty"`
	LastScore *float64 `json:"lastScore,omitempty"`

	// Spending controls.
	SpendCap       *float64 `json:"spendCap,omitempty"`
	CategoryBlocks []string `json:"categoryBlocks,omitempty"`
	AlertsEnabled  bool     `json:"alertsEnabled"`

	// Contact identity handed to the alert dispatcher.
	Contact string `json:"contact,omitempty"`

	Source    string    `json:"source"` // "app_user" or "batch"
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Customer sources.
const (
	SourceAppUser = "app_user"
	SourceBatch   = "batch"
)

// NewCustomer returns a customer record with the default feature profile used
// when a user is first seen.
func NewCustomer(tenantID, userID, id string) *Customer {
	code := userID
	if len(code) > 6 {
		code = code[len(code)-6:]
	}
	now := time.Now().UTC()
	return &Customer{
		ID:                  id,
		TenantID:            tenantID,
		UserID:              userID,
		CustomerID:          "C" + code,
		CreditLimit:         100000,
		AvgPaymentRatio:     100.0,
		MinDuePaidFrequency: 100.0,
		MerchantMixIndex:    0.5,
		AlertsEnabled:       true,
		Source:              SourceAppUser,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// BlocksCategory reports whether the customer's controls block a category.
func (c *Customer) BlocksCategory(category string) bool {
	for _, blocked := range c.CategoryBlocks {
		if blocked == category {
			return true
		}
	}
	return false
}

// CustomerSummary is the admin dashboard row.
type CustomerSummary struct {
	ID             string   `json:"id"`
	CustomerID     string   `json:"customerId"`
	CreditLimit    float64  `json:"creditLimit"`
	UtilisationPct float64  `json:"utilisationPct"`
	RiskBand       string   `json:"riskBand,omitempty"`
	LastScore      *float64 `json:"lastScore,omitempty"`
}

// Summary projects the dashboard fields.
func (c *Customer) Summary() CustomerSummary {
	return CustomerSummary{
		ID:             c.ID,
		CustomerID:     c.CustomerID,
		CreditLimit:    c.CreditLimit,
		UtilisationPct: c.UtilisationPct,
		RiskBand:       c.RiskBand,
		LastScore:      c.LastScore,
	}
}

// ControlsUpdate is the admin payload for spending controls.
type ControlsUpdate struct {
	SpendCap       *float64  `json:"spendCap"`
	CategoryBlocks *[]string `json:"categoryBlocks"`
	AlertsEnabled  *bool     `json:"alertsEnabled"`
}

// FeatureUpdate is the admin payload for direct feature overrides. Nil fields
// are left untouched.
type FeatureUpdate struct {
	CreditLimit          *float64 `json:"creditLimit"`
	UtilisationPct       *float64 `json:"utilisationPct"`
	AvgPaymentRatio      *float64 `json:"avgPaymentRatio"`
	MinDuePaidFrequency  *float64 `json:"minDuePaidFrequency"`
	MerchantMixIndex     *float64 `json:"merchantMixIndex"`
	CashWithdrawalPct    *float64 `json:"cashWithdrawalPct"`
	RecentSpendChangePct *float64 `json:"recentSpendChangePct"`
}

// Apply writes the non-nil overrides onto the customer.
func (u *FeatureUpdate) Apply(c *Customer) {
	if u.CreditLimit != nil {
		c.CreditLimit = *u.CreditLimit
	}
	if u.UtilisationPct != nil {
		c.UtilisationPct = *u.UtilisationPct
	}
	if u.AvgPaymentRatio != nil {
		c.AvgPaymentRatio = *u.AvgPaymentRatio
	}
	if u.MinDuePaidFrequency != nil {
		c.MinDuePaidFrequency = *u.MinDuePaidFrequency
	}
	if u.MerchantMixIndex != nil {
		c.MerchantMixIndex = *u.MerchantMixIndex
	}
	if u.CashWithdrawalPct != nil {
		c.CashWithdrawalPct = *u.CashWithdrawalPct
	}
	if u.RecentSpendChangePct != nil {
		c.RecentSpendChangePct = *u.RecentSpendChangePct
	}
}
