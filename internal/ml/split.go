package ml

import (
	"math/rand"
)

// RandomState seeds every stochastic step of the pipeline so repeated runs
// on the same upload produce the same artifacts.
const RandomState = 42

// TestFraction is the held-out share used for AUC evaluation.
const TestFraction = 0.25

// StratifiedSplit partitions the dataset into train and test sets,
// shuffling within each label class so both sides keep the dataset's class
// balance.
func StratifiedSplit(d *Dataset, testFraction float64, seed int64) (train, test *Dataset) {
	rng := rand.New(rand.NewSource(seed))
	train, test = &Dataset{}, &Dataset{}

	for _, class := range []float64{0, 1} {
		var idx []int
		for i, y := range d.Labels {
			if y == class {
				idx = append(idx, i)
			}
		}
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		nTest := int(float64(len(idx)) * testFraction)
		if nTest == 0 && len(idx) > 1 {
			nTest = 1
		}

		for k, i := range idx {
			dst := train
			if k < nTest {
				dst = test
			}
			dst.Features = append(dst.Features, d.Features[i])
			dst.Labels = append(dst.Labels, d.Labels[i])
		}
	}
	return train, test
}
