package domain

import (
	"time"
)

// FeatureCount is the fixed model input dimension.
const FeatureCount = 7

// FeatureColumns is the canonical model column order. The scaler and all
// three classifiers are fit and invoked against this exact order; stored
// artifacts are invalid under any other ordering.
var FeatureColumns = [FeatureCount]string{
	"CreditLimit",
	"UtilisationPct",
	"AvgPaymentRatio",
	"MinDuePaidFrequency",
	"MerchantMixIndex",
	"CashWithdrawalPct",
	"RecentSpendChangePct",
}

// FeatureVector is one model input row in FeatureColumns order.
type FeatureVector [FeatureCount]float64

// Features builds the model input row from the customer's live record.
func (c *Customer) Features() FeatureVector {
	return FeatureVector{
		c.CreditLimit,
		c.UtilisationPct,
		c.AvgPaymentRatio,
		c.MinDuePaidFrequency,
		c.MerchantMixIndex,
		c.CashWithdrawalPct,
		c.RecentSpendChangePct,
	}
}

// Slice returns the vector as a []float64 for numeric code.
func (v FeatureVector) Slice() []float64 {
	out := make([]float64, FeatureCount)
	copy(out, v[:])
	return out
}

// RiskScore is one immutable scoring-event row in the audit history.
type RiskScore struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenantId"`
	CustomerID          string    `json:"customerId"`
	MLProbability       float64   `json:"mlProbability"`       // linear-model view
	EnsembleProbability float64   `json:"ensembleProbability"` // 3-way mean
	RiskBand            string    `json:"riskBand"`
	Timestamp           time.Time `json:"timestamp"`
}

// FeatureValue is an attribution entry surfaced as optional metadata.
type FeatureValue struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
}

// RuleTrigger is a fired outreach rule.
type RuleTrigger struct {
	RuleName          string `json:"ruleName"`
	Reason            string `json:"reason"`
	SuggestedOutreach string `json:"suggestedOutreach"`
}

// RiskSummary is the scoring response surfaced to callers.
type RiskSummary struct {
	MLProbability       float64        `json:"mlProbability"`
	EnsembleProbability float64        `json:"ensembleProbability"`
	RiskBand            string         `json:"riskBand"`
	TopFeatures         []FeatureValue `json:"topFeatures,omitempty"`
	Rules               []RuleTrigger  `json:"rules,omitempty"`
}
