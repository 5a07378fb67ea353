package domain

import (
	"time"
)

// RuleConfig is a tenant-configurable outreach rule. Expression is a boolean
// CEL program over the behavioral feature variables (utilisation_pct,
// avg_payment_ratio, min_due_paid_freq, merchant_mix_index,
// cash_withdrawal_pct, recent_spend_change_pct, credit_limit).
type RuleConfig struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Expression  string    `json:"expression"`
	Reason      string    `json:"reason"`   // rendered with the feature values
	Outreach    string    `json:"outreach"` // suggested action when fired
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}
