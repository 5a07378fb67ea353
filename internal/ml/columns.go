// Package ml implements the training pipeline and the three classifiers
// behind the credit-risk ensemble.
package ml

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabelColumn is the canonical binary default label.
const LabelColumn = "DPDBucketNextMonthBinary"

// RawLabelColumn is the bucketed days-past-due label; accepted in uploads
// and binarized as bucket > 0.
const RawLabelColumn = "DPDBucketNextMonth"

// columnAliases maps normalized header names to canonical column names.
// Normalization strips spaces, underscores and hyphens and lowercases, so
// "credit_limit", "Credit Limit" and "CreditLimit" all resolve to the same
// column.
var columnAliases = map[string]string{
	"creditlimit":              "CreditLimit",
	"utilisationpct":           "UtilisationPct",
	"utilizationpct":           "UtilisationPct",
	"avgpaymentratio":          "AvgPaymentRatio",
	"minduepaidfrequency":      "MinDuePaidFrequency",
	"minduepaidfreq":           "MinDuePaidFrequency",
	"merchantmixindex":         "MerchantMixIndex",
	"cashwithdrawalpct":        "CashWithdrawalPct",
	"recentspendchangepct":     "RecentSpendChangePct",
	"dpdbucketnextmonth":       RawLabelColumn,
	"dpdbucketnextmonthbinary": LabelColumn,
}

// CanonicalColumn resolves an upload header to its canonical column name.
func CanonicalColumn(header string) (string, bool) {
	name, ok := columnAliases[normalizeHeader(header)]
	return name, ok
}

func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// featureIndex returns the position of a canonical feature column, or -1
// for label and unknown columns.
func featureIndex(canonical string) int {
	for i, name := range domain.FeatureColumns {
		if name == canonical {
			return i
		}
	}
	return -1
}
