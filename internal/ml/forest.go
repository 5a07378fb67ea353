package ml

import (
	"math"
	"math/rand"
	"sort"
)

// Forest hyperparameters.
const (
	forestTrees   = 200
	forestDepth   = 6
	forestMinLeaf = 5
)

// TreeNode is one node of a decision tree in flattened form. Left and
// Right index into the tree's node slice; -1 marks a leaf, in which case
// Prob holds the weighted positive fraction at that leaf.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Prob      float64 `json:"prob"`
}

// ForestModel is a bagged ensemble of depth-limited decision trees.
type ForestModel struct {
	Trees [][]TreeNode `json:"trees"`
}

// TrainForest fits a random forest with bootstrap sampling, a random
// feature subset per split, and balanced sample weights.
func TrainForest(X [][]float64, y []float64, seed int64) *ForestModel {
	n := len(X)
	if n == 0 {
		return &ForestModel{}
	}

	rng := rand.New(rand.NewSource(seed))
	weights := balancedWeights(y)

	// sqrt(p) features per split, the usual classification default
	mtry := int(math.Sqrt(float64(len(X[0]))))
	if mtry < 1 {
		mtry = 1
	}

	forest := &ForestModel{Trees: make([][]TreeNode, 0, forestTrees)}
	for t := 0; t < forestTrees; t++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.Intn(n)
		}

		b := &treeBuilder{X: X, y: y, weights: weights, rng: rng, mtry: mtry}
		b.grow(idx, 0)
		forest.Trees = append(forest.Trees, b.nodes)
	}
	return forest
}

// PredictProba averages the leaf probabilities across all trees.
func (f *ForestModel) PredictProba(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for _, tree := range f.Trees {
		sum += predictTree(tree, x)
	}
	return sum / float64(len(f.Trees))
}

func predictTree(nodes []TreeNode, x []float64) float64 {
	i := 0
	for {
		node := nodes[i]
		if node.Left == -1 {
			return node.Prob
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

type treeBuilder struct {
	X       [][]float64
	y       []float64
	weights []float64
	rng     *rand.Rand
	mtry    int
	nodes   []TreeNode
}

// grow recursively builds the tree over the given sample indices and
// returns the node's position in the flattened slice.
func (b *treeBuilder) grow(idx []int, depth int) int {
	pos, total := b.classWeights(idx)

	self := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{Left: -1, Right: -1, Prob: pos / total})

	if depth >= forestDepth || len(idx) < 2*forestMinLeaf || pos == 0 || pos == total {
		return self
	}

	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < forestMinLeaf || len(right) < forestMinLeaf {
		return self
	}

	b.nodes[self].Feature = feature
	b.nodes[self].Threshold = threshold
	b.nodes[self].Left = b.grow(left, depth+1)
	b.nodes[self].Right = b.grow(right, depth+1)
	return self
}

func (b *treeBuilder) classWeights(idx []int) (pos, total float64) {
	for _, i := range idx {
		w := b.weights[i]
		total += w
		if b.y[i] == 1 {
			pos += w
		}
	}
	return pos, total
}

// bestSplit scans a random feature subset for the threshold with the
// lowest weighted Gini impurity.
func (b *treeBuilder) bestSplit(idx []int) (int, float64, bool) {
	features := b.rng.Perm(len(b.X[0]))[:b.mtry]
	pos, total := b.classWeights(idx)

	bestGini := math.Inf(1)
	bestFeature, bestThreshold := -1, 0.0

	for _, f := range features {
		sorted := make([]int, len(idx))
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		var leftPos, leftTotal float64

		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			leftTotal += b.weights[i]
			if b.y[i] == 1 {
				leftPos += b.weights[i]
			}

			// No split between identical values
			if b.X[i][f] == b.X[sorted[k+1]][f] {
				continue
			}

			rightTotal := total - leftTotal
			rightPos := pos - leftPos
			g := weightedGini(leftPos, leftTotal, rightPos, rightTotal)
			if g < bestGini {
				bestGini = g
				bestFeature = f
				bestThreshold = (b.X[i][f] + b.X[sorted[k+1]][f]) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature != -1
}

func weightedGini(leftPos, leftTotal, rightPos, rightTotal float64) float64 {
	total := leftTotal + rightTotal
	return leftTotal/total*gini(leftPos, leftTotal) + rightTotal/total*gini(rightPos, rightTotal)
}

func gini(pos, total float64) float64 {
	if total == 0 {
		return 0
	}
	p := pos / total
	return 2 * p * (1 - p)
}
