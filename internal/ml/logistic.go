package ml

import (
	"math"
)

// LogisticModel is a binary logistic regression over the standardized
// feature vector.
type LogisticModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// logisticEpochs caps full-batch gradient descent.
const logisticEpochs = 1000

// logisticLearningRate is the fixed step size.
const logisticLearningRate = 0.1

// TrainLogistic fits a logistic regression with balanced class weights, so
// the minority default class is not drowned out by the majority. Training
// is full-batch gradient descent with early exit once the update stalls.
func TrainLogistic(X [][]float64, y []float64) *LogisticModel {
	n := len(X)
	if n == 0 {
		return &LogisticModel{}
	}
	cols := len(X[0])

	m := &LogisticModel{
		Weights: make([]float64, cols),
	}

	sampleWeights := balancedWeights(y)
	grad := make([]float64, cols)

	for epoch := 0; epoch < logisticEpochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		biasGrad := 0.0

		for i, row := range X {
			p := m.PredictProba(row)
			residual := (p - y[i]) * sampleWeights[i]
			for j, v := range row {
				grad[j] += residual * v
			}
			biasGrad += residual
		}

		maxStep := 0.0
		for j := range m.Weights {
			step := logisticLearningRate * grad[j] / float64(n)
			m.Weights[j] -= step
			maxStep = math.Max(maxStep, math.Abs(step))
		}
		biasStep := logisticLearningRate * biasGrad / float64(n)
		m.Bias -= biasStep
		maxStep = math.Max(maxStep, math.Abs(biasStep))

		if maxStep < 1e-7 {
			break
		}
	}
	return m
}

// PredictProba returns the positive-class probability for one standardized
// row.
func (m *LogisticModel) PredictProba(x []float64) float64 {
	z := m.Bias
	for j, w := range m.Weights {
		z += w * x[j]
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// balancedWeights gives each sample the sklearn "balanced" weight
// n / (2 * n_class), so both classes contribute equally to the loss.
func balancedWeights(y []float64) []float64 {
	n := float64(len(y))
	var pos float64
	for _, v := range y {
		pos += v
	}
	neg := n - pos

	weights := make([]float64, len(y))
	for i, v := range y {
		if v == 1 {
			weights[i] = n / (2 * pos)
		} else {
			weights[i] = n / (2 * neg)
		}
	}
	return weights
}
