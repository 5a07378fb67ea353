package ml

import (
	"math"
	"math/rand"
)

// MLP hyperparameters. The network is input -> 32 -> 16 -> 1 with ReLU
// hidden activations and a sigmoid output trained against logits.
const (
	mlpHidden1      = 32
	mlpHidden2      = 16
	mlpEpochs       = 80
	mlpBatchSize    = 32
	mlpLearningRate = 1e-3
	mlpDropout      = 0.2
)

// Adam moment parameters.
const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// MLPModel is a small feed-forward network. Weights are row-major
// out-by-in matrices so the model round-trips through JSON.
type MLPModel struct {
	Layers []DenseLayer `json:"layers"`
}

// DenseLayer is one fully connected layer.
type DenseLayer struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"` // row-major, Out rows of In columns
	Bias    []float64 `json:"bias"`
}

// TrainMLP fits the network with mini-batch Adam on a
// binary-cross-entropy-with-logits loss. Dropout is applied to hidden
// activations during training only.
func TrainMLP(X [][]float64, y []float64, seed int64) *MLPModel {
	n := len(X)
	if n == 0 {
		return &MLPModel{}
	}
	inputs := len(X[0])

	rng := rand.New(rand.NewSource(seed))
	m := &MLPModel{
		Layers: []DenseLayer{
			newLayer(inputs, mlpHidden1, rng),
			newLayer(mlpHidden1, mlpHidden2, rng),
			newLayer(mlpHidden2, 1, rng),
		},
	}

	opt := newAdam(m)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	for epoch := 0; epoch < mlpEpochs; epoch++ {
		rng.Shuffle(n, func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		for start := 0; start < n; start += mlpBatchSize {
			end := start + mlpBatchSize
			if end > n {
				end = n
			}

			grads := newGrads(m)
			for _, i := range idx[start:end] {
				m.backprop(X[i], y[i], rng, grads)
			}
			opt.step(m, grads, float64(end-start))
		}
	}
	return m
}

// PredictProba runs a forward pass and squashes the logit.
func (m *MLPModel) PredictProba(x []float64) float64 {
	a := x
	for l, layer := range m.Layers {
		z := layer.forward(a)
		if l < len(m.Layers)-1 {
			relu(z)
		}
		a = z
	}
	return sigmoid(a[0])
}

func newLayer(in, out int, rng *rand.Rand) DenseLayer {
	// He initialization for ReLU layers
	scale := math.Sqrt(2.0 / float64(in))
	l := DenseLayer{
		In:      in,
		Out:     out,
		Weights: make([]float64, out*in),
		Bias:    make([]float64, out),
	}
	for i := range l.Weights {
		l.Weights[i] = rng.NormFloat64() * scale
	}
	return l
}

func (l *DenseLayer) forward(a []float64) []float64 {
	z := make([]float64, l.Out)
	for o := 0; o < l.Out; o++ {
		sum := l.Bias[o]
		row := l.Weights[o*l.In : (o+1)*l.In]
		for j, w := range row {
			sum += w * a[j]
		}
		z[o] = sum
	}
	return z
}

func relu(z []float64) {
	for i, v := range z {
		if v < 0 {
			z[i] = 0
		}
	}
}

type layerGrads struct {
	weights []float64
	bias    []float64
}

func newGrads(m *MLPModel) []layerGrads {
	grads := make([]layerGrads, len(m.Layers))
	for l, layer := range m.Layers {
		grads[l] = layerGrads{
			weights: make([]float64, len(layer.Weights)),
			bias:    make([]float64, len(layer.Bias)),
		}
	}
	return grads
}

// backprop accumulates one sample's gradients. The BCE-with-logits output
// gradient collapses to (sigmoid(z) - y).
func (m *MLPModel) backprop(x []float64, y float64, rng *rand.Rand, grads []layerGrads) {
	// Forward pass, keeping activations and dropout masks
	activations := make([][]float64, len(m.Layers)+1)
	masks := make([][]float64, len(m.Layers))
	activations[0] = x

	for l, layer := range m.Layers {
		z := layer.forward(activations[l])
		if l < len(m.Layers)-1 {
			relu(z)
			masks[l] = make([]float64, len(z))
			for i := range z {
				if rng.Float64() < mlpDropout {
					z[i] = 0
				} else {
					z[i] /= 1 - mlpDropout
					masks[l][i] = 1 / (1 - mlpDropout)
				}
			}
		}
		activations[l+1] = z
	}

	// Output delta
	delta := []float64{sigmoid(activations[len(m.Layers)][0]) - y}

	for l := len(m.Layers) - 1; l >= 0; l-- {
		layer := m.Layers[l]
		in := activations[l]

		for o := 0; o < layer.Out; o++ {
			grads[l].bias[o] += delta[o]
			for j := 0; j < layer.In; j++ {
				grads[l].weights[o*layer.In+j] += delta[o] * in[j]
			}
		}

		if l == 0 {
			break
		}

		prev := make([]float64, layer.In)
		for j := 0; j < layer.In; j++ {
			var sum float64
			for o := 0; o < layer.Out; o++ {
				sum += layer.Weights[o*layer.In+j] * delta[o]
			}
			// ReLU derivative gated by the post-activation value, scaled
			// by the dropout mask
			if activations[l][j] > 0 {
				sum *= masks[l-1][j]
			} else {
				sum = 0
			}
			prev[j] = sum
		}
		delta = prev
	}
}

// adam holds first and second moment estimates per parameter.
type adam struct {
	mw, vw [][]float64
	mb, vb [][]float64
	t      int
}

func newAdam(m *MLPModel) *adam {
	a := &adam{}
	for _, layer := range m.Layers {
		a.mw = append(a.mw, make([]float64, len(layer.Weights)))
		a.vw = append(a.vw, make([]float64, len(layer.Weights)))
		a.mb = append(a.mb, make([]float64, len(layer.Bias)))
		a.vb = append(a.vb, make([]float64, len(layer.Bias)))
	}
	return a
}

func (a *adam) step(m *MLPModel, grads []layerGrads, batchSize float64) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))

	for l := range m.Layers {
		layer := &m.Layers[l]
		for i := range layer.Weights {
			g := grads[l].weights[i] / batchSize
			layer.Weights[i] -= a.update(&a.mw[l][i], &a.vw[l][i], g, c1, c2)
		}
		for i := range layer.Bias {
			g := grads[l].bias[i] / batchSize
			layer.Bias[i] -= a.update(&a.mb[l][i], &a.vb[l][i], g, c1, c2)
		}
	}
}

func (a *adam) update(m, v *float64, g, c1, c2 float64) float64 {
	*m = adamBeta1**m + (1-adamBeta1)*g
	*v = adamBeta2**v + (1-adamBeta2)*g*g
	mHat := *m / c1
	vHat := *v / c2
	return mlpLearningRate * mHat / (math.Sqrt(vHat) + adamEps)
}
