package ml

import (
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// AUC computes the area under the ROC curve for the given scores against
// binary labels. Returns 0.5 when the labels are one-sided, since the
// curve is undefined there.
func AUC(scores, labels []float64) float64 {
	if len(scores) == 0 || len(scores) != len(labels) {
		return 0.5
	}

	type pair struct {
		score float64
		pos   bool
	}
	pairs := make([]pair, len(scores))
	onesided := true
	for i, s := range scores {
		pairs[i] = pair{score: s, pos: labels[i] == 1}
		if i > 0 && labels[i] != labels[0] {
			onesided = false
		}
	}
	if onesided {
		return 0.5
	}

	// stat.ROC requires scores in ascending order
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].score < pairs[b].score })

	y := make([]float64, len(pairs))
	classes := make([]bool, len(pairs))
	for i, p := range pairs {
		y[i] = p.score
		classes[i] = p.pos
	}

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}
