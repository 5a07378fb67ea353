package domain

import (
	"strings"
	"time"
)

// Transaction is an append-only spend record. Immutable once written.
type Transaction struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	CustomerID  string    `json:"customerId"`
	Amount      float64   `json:"amount"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CategoryCash is the synthetic bucket feeding CashWithdrawalPct.
const CategoryCash = "cash"

// CategoryOther is the fallback bucket for unrecognized categories.
const CategoryOther = "other"

var knownCategories = map[string]struct{}{
	"groceries":     {},
	"dining":        {},
	"travel":        {},
	"fuel":          {},
	"shopping":      {},
	"utilities":     {},
	"entertainment": {},
	"health":        {},
	CategoryCash:    {},
	CategoryOther:   {},
}

// NormalizeCategory maps free-form input onto the fixed category set.
// ATM-style labels collapse into the cash bucket.
func NormalizeCategory(raw string) string {
	cat := strings.ToLower(strings.TrimSpace(raw))
	switch cat {
	case "atm", "withdrawal", "cash_withdrawal", "cash withdrawal":
		return CategoryCash
	}
	if _, ok := knownCategories[cat]; ok {
		return cat
	}
	return CategoryOther
}

// TransactionRequest is the API payload for logging a transaction.
type TransactionRequest struct {
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
}
