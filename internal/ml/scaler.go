package ml

import (
	"math"
)

// Scaler performs zero-mean unit-variance standardization. It is fit on the
// training split only and applied to every row at both train and score time.
type Scaler struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// FitScaler computes per-column means and standard deviations. Constant
// columns get a standard deviation of 1 so they pass through unchanged
// instead of dividing by zero.
func FitScaler(X [][]float64) *Scaler {
	if len(X) == 0 {
		return &Scaler{}
	}
	cols := len(X[0])
	s := &Scaler{
		Means: make([]float64, cols),
		Stds:  make([]float64, cols),
	}

	n := float64(len(X))
	for _, row := range X {
		for j, v := range row {
			s.Means[j] += v
		}
	}
	for j := range s.Means {
		s.Means[j] /= n
	}

	for _, row := range X {
		for j, v := range row {
			d := v - s.Means[j]
			s.Stds[j] += d * d
		}
	}
	for j := range s.Stds {
		s.Stds[j] = math.Sqrt(s.Stds[j] / n)
		if s.Stds[j] == 0 {
			s.Stds[j] = 1
		}
	}
	return s
}

// Transform standardizes a single row.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Means[j]) / s.Stds[j]
	}
	return out
}

// TransformAll standardizes a matrix.
func (s *Scaler) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.Transform(row)
	}
	return out
}
