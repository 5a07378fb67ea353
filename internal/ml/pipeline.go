package ml

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Bundle holds everything one training run produces: the fitted scaler,
// the three classifiers, a linear attribution explainer and the dataset's
// baseline statistics.
type Bundle struct {
	Scaler   *Scaler
	Logistic *LogisticModel
	Forest   *ForestModel
	MLP      *MLPModel

	Explainer *Explainer
	Baseline  *domain.BaselineStats
}

// Explainer carries per-feature linear weights for cheap attribution of a
// single prediction.
type Explainer struct {
	Weights map[string]float64 `json:"weights"`
}

// Train runs the full pipeline: stratified split, scaler fit on the train
// side only, the three classifiers, and held-out AUC per model.
func Train(d *Dataset) (*Bundle, domain.TrainMetrics, error) {
	if d == nil || d.Len() == 0 {
		return nil, domain.TrainMetrics{}, domain.NewValidationError("empty dataset")
	}

	train, test := StratifiedSplit(d, TestFraction, RandomState)

	scaler := FitScaler(train.Features)
	trainX := scaler.TransformAll(train.Features)
	testX := scaler.TransformAll(test.Features)

	logistic := TrainLogistic(trainX, train.Labels)
	forest := TrainForest(trainX, train.Labels, RandomState)
	mlp := TrainMLP(trainX, train.Labels, RandomState)

	metrics := domain.TrainMetrics{
		LogregAUC: evaluate(logistic.PredictProba, testX, test.Labels),
		TreeAUC:   evaluate(forest.PredictProba, testX, test.Labels),
		NNAUC:     evaluate(mlp.PredictProba, testX, test.Labels),
	}

	bundle := &Bundle{
		Scaler:    scaler,
		Logistic:  logistic,
		Forest:    forest,
		MLP:       mlp,
		Explainer: newExplainer(logistic),
		Baseline:  baselineStats(d),
	}
	return bundle, metrics, nil
}

// Score runs one standardized prediction through each classifier.
func (b *Bundle) Score(features domain.FeatureVector) (pLinear, pTree, pNN float64) {
	x := b.Scaler.Transform(features.Slice())
	return b.Logistic.PredictProba(x), b.Forest.PredictProba(x), b.MLP.PredictProba(x)
}

// Attribution ranks features by |weight * standardized value| for one row,
// the linear-model view of what drove the score.
func (b *Bundle) Attribution(features domain.FeatureVector, topN int) []domain.FeatureValue {
	if b.Explainer == nil {
		return nil
	}
	x := b.Scaler.Transform(features.Slice())

	out := make([]domain.FeatureValue, 0, domain.FeatureCount)
	for i, name := range domain.FeatureColumns {
		out = append(out, domain.FeatureValue{
			Feature: name,
			Value:   b.Explainer.Weights[name] * x[i],
		})
	}
	// Insertion sort by magnitude; the vector is tiny
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && math.Abs(out[j].Value) > math.Abs(out[j-1].Value); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}
	return out
}

func evaluate(predict func([]float64) float64, X [][]float64, y []float64) float64 {
	scores := make([]float64, len(X))
	for i, row := range X {
		scores[i] = predict(row)
	}
	return AUC(scores, y)
}

func newExplainer(m *LogisticModel) *Explainer {
	e := &Explainer{Weights: make(map[string]float64, domain.FeatureCount)}
	for i, name := range domain.FeatureColumns {
		if i < len(m.Weights) {
			e.Weights[name] = m.Weights[i]
		}
	}
	return e
}

// baselineStats summarizes the full dataset, not just the training split,
// so drift checks compare against everything the model has seen.
func baselineStats(d *Dataset) *domain.BaselineStats {
	stats := &domain.BaselineStats{
		FeatureMeans: make(map[string]float64, domain.FeatureCount),
		FeatureStds:  make(map[string]float64, domain.FeatureCount),
		TargetRate:   d.PositiveRate(),
	}

	full := FitScaler(d.Features)
	for i, name := range domain.FeatureColumns {
		stats.FeatureMeans[name] = full.Means[i]
		stats.FeatureStds[name] = full.Stds[i]
	}
	return stats
}
