package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns the default outreach rule set. Tenants without
// their own rule_configs rows get these.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:         "builtin-high-utilisation",
			Name:       "high_utilisation",
			Expression: "utilisation_pct > 80.0",
			Reason:     "Credit utilisation is above 80% of the limit",
			Outreach:   "Offer a credit limit review or a structured payment plan",
			Enabled:    true,
		},
		{
			ID:         "builtin-spend-drop",
			Name:       "sharp_spend_drop",
			Expression: "recent_spend_change_pct < -30.0",
			Reason:     "Spending dropped more than 30% versus the prior month",
			Outreach:   "Check in on financial hardship and surface relief options",
			Enabled:    true,
		},
		{
			ID:         "builtin-cash-reliance",
			Name:       "cash_reliance",
			Expression: "cash_withdrawal_pct > 40.0",
			Reason:     "More than 40% of card spend is cash withdrawals",
			Outreach:   "Explain cash advance costs and suggest lower-cost alternatives",
			Enabled:    true,
		},
		{
			ID:         "builtin-low-payment-ratio",
			Name:       "low_payment_ratio",
			Expression: "avg_payment_ratio < 40.0",
			Reason:     "Average payment covers less than 40% of the statement",
			Outreach:   "Discuss a repayment schedule before interest compounds",
			Enabled:    true,
		},
		{
			ID:         "builtin-min-due-habit",
			Name:       "minimum_due_habit",
			Expression: "min_due_paid_freq > 70.0",
			Reason:     "Minimum-due-only payments on more than 70% of statements",
			Outreach:   "Warn about revolving interest and propose higher auto-debit",
			Enabled:    true,
		},
		{
			ID:         "builtin-narrow-merchant-mix",
			Name:       "narrow_merchant_mix",
			Expression: "merchant_mix_index < 0.4",
			Reason:     "Spend is concentrated in very few merchant categories",
			Outreach:   "Review whether the card is being used for distress spending",
			Enabled:    true,
		},
	}
}
