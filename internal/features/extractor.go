// Package features derives the behavioural feature vector from a
// customer's transaction history.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Window is the lookback used for the spend-change comparison. Recent
// spend over this window is compared against the window before it.
const Window = 30 * 24 * time.Hour

// Extractor recomputes transaction-derived features. AvgPaymentRatio and
// MinDuePaidFrequency come from the billing system and are left untouched.
type Extractor struct {
	repo domain.Repository
	now  func() time.Time
}

// NewExtractor creates a feature extractor.
func NewExtractor(repo domain.Repository) *Extractor {
	return &Extractor{
		repo: repo,
		now:  time.Now,
	}
}

// Recompute reads the customer's full transaction log, updates the derived
// feature fields on the customer in place, and returns the resulting
// feature vector. The caller is responsible for persisting the customer.
func (e *Extractor) Recompute(ctx context.Context, tenantID string, c *domain.Customer) (domain.FeatureVector, error) {
	if tenantID == "" || c == nil {
		return domain.FeatureVector{}, fmt.Errorf("tenantID and customer are required")
	}

	txs, err := e.repo.GetTransactionsByCustomer(ctx, tenantID, c.ID, 0)
	if err != nil {
		return domain.FeatureVector{}, fmt.Errorf("failed to load transactions: %w", err)
	}

	agg := aggregate(txs, e.now().UTC())

	c.UtilisationPct = utilisation(agg.totalSpend, c.CreditLimit)
	c.MerchantMixIndex = merchantMix(agg.categories, agg.count)
	c.CashWithdrawalPct = share(agg.cashSpend, agg.totalSpend)
	c.RecentSpendChangePct = spendChange(agg.recentSpend, agg.priorSpend)
	c.UpdatedAt = e.now().UTC()

	return c.Features(), nil
}

type aggregates struct {
	count       int
	totalSpend  float64
	cashSpend   float64
	recentSpend float64
	priorSpend  float64
	categories  map[string]struct{}
}

func aggregate(txs []*domain.Transaction, now time.Time) aggregates {
	agg := aggregates{categories: make(map[string]struct{})}
	recentStart := now.Add(-Window)
	priorStart := now.Add(-2 * Window)

	for _, tx := range txs {
		agg.count++
		agg.totalSpend += tx.Amount
		agg.categories[tx.Category] = struct{}{}

		if tx.Category == domain.CategoryCash {
			agg.cashSpend += tx.Amount
		}

		switch {
		case !tx.Timestamp.Before(recentStart):
			agg.recentSpend += tx.Amount
		case !tx.Timestamp.Before(priorStart):
			agg.priorSpend += tx.Amount
		}
	}
	return agg
}

// utilisation is total spend as a percentage of the credit limit. A zero
// or negative limit yields zero rather than a division blowup.
func utilisation(totalSpend, creditLimit float64) float64 {
	if creditLimit <= 0 {
		return 0
	}
	return 100 * totalSpend / creditLimit
}

// merchantMix is the ratio of distinct categories to transaction count.
// One means every transaction hit a new category; values near zero mean
// spend is concentrated.
func merchantMix(categories map[string]struct{}, count int) float64 {
	if count == 0 {
		return 0
	}
	return float64(len(categories)) / float64(count)
}

func share(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return 100 * part / total
}

// spendChange compares the last window against the one before it. With no
// prior-window spend there is no meaningful baseline, so the change is
// reported as zero.
func spendChange(recent, prior float64) float64 {
	if prior <= 0 {
		return 0
	}
	return 100 * (recent - prior) / prior
}
