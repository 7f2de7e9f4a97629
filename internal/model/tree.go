package model

import (
	"math/rand"
	"sort"
)

type treeParams struct {
	maxDepth int
	minLeaf  int
}

// node is a flattened CART node. Leaves have Left == -1.
type node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

// Tree is a least-squares regression tree.
type Tree struct {
	Nodes []node `json:"nodes"`
}

// Predict walks the tree for x.
func (t *Tree) Predict(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	i := 0
	for t.Nodes[i].Left >= 0 {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return t.Nodes[i].Value
}

type treeBuilder struct {
	X      [][]float64
	y      []float64
	params treeParams
	nodes  []node
}

func growTree(X [][]float64, y []float64, idx []int, params treeParams) *Tree {
	b := &treeBuilder{X: X, y: y, params: params}
	b.split(idx, 0)
	return &Tree{Nodes: b.nodes}
}

func (b *treeBuilder) split(idx []int, depth int) int {
	var sum float64
	for _, i := range idx {
		sum += b.y[i]
	}
	self := len(b.nodes)
	b.nodes = append(b.nodes, node{Left: -1, Right: -1, Value: sum / float64(len(idx))})

	if depth >= b.params.maxDepth || len(idx) < 2*b.params.minLeaf {
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

	l := b.split(left, depth+1)
	r := b.split(right, depth+1)
	b.nodes[self].Feature = feature
	b.nodes[self].Threshold = threshold
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

// bestSplit minimises the summed squared error of the two children.
func (b *treeBuilder) bestSplit(idx []int) (int, float64, bool) {
	n := len(idx)
	var total, totalSq float64
	for _, i := range idx {
		total += b.y[i]
		totalSq += b.y[i] * b.y[i]
	}
	parentSSE := totalSq - total*total/float64(n)

	bestSSE := parentSSE
	bestFeature, bestThreshold := -1, 0.0
	sorted := make([]int, n)

	for f := range b.X[idx[0]] {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		var leftSum, leftSq float64
		for k := 0; k < n-1; k++ {
			v := b.y[sorted[k]]
			leftSum += v
			leftSq += v * v

			nl := k + 1
			nr := n - nl
			if nl < b.params.minLeaf || nr < b.params.minLeaf {
				continue
			}
			cur, next := b.X[sorted[k]][f], b.X[sorted[k+1]][f]
			if cur == next {
				continue
			}
			rightSum := total - leftSum
			rightSq := totalSq - leftSq
			sse := (leftSq - leftSum*leftSum/float64(nl)) + (rightSq - rightSum*rightSum/float64(nr))
			if sse < bestSSE-1e-12 {
				bestSSE = sse
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

// RandomForest averages bootstrap-sampled regression trees.
type RandomForest struct {
	Trees []*Tree `json:"trees"`

	params treeParams
	trees  int
	seed   int64
}

// Fit grows the forest. The bootstrap draws are fully determined by the seed.
func (f *RandomForest) Fit(X [][]float64, y []float64) error {
	n, _, err := shape(X, y)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(f.seed))
	f.Trees = make([]*Tree, f.trees)
	idx := make([]int, n)
	for t := range f.Trees {
		for i := range idx {
			idx[i] = rng.Intn(n)
		}
		f.Trees[t] = growTree(X, y, idx, f.params)
	}
	return nil
}

func (f *RandomForest) Kind() string { return KindRandomForest }

// Predict returns the mean of the tree estimates.
func (f *RandomForest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for _, t := range f.Trees {
		sum += t.Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// GradientBoosting fits shallow trees to least-squares residuals.
type GradientBoosting struct {
	Init         float64 `json:"init"`
	LearningRate float64 `json:"learning_rate"`
	Stages       []*Tree `json:"stages"`

	params treeParams
	stages int
}

// Fit runs the boosting stages on the full sample.
func (g *GradientBoosting) Fit(X [][]float64, y []float64) error {
	n, _, err := shape(X, y)
	if err != nil {
		return err
	}

	var sum float64
	for _, v := range y {
		sum += v
	}
	g.Init = sum / float64(n)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = g.Init
	}
	residual := make([]float64, n)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	g.Stages = make([]*Tree, 0, g.stages)
	for s := 0; s < g.stages; s++ {
		for i := range residual {
			residual[i] = y[i] - pred[i]
		}
		tree := growTree(X, residual, idx, g.params)
		for i := range pred {
			pred[i] += g.LearningRate * tree.Predict(X[i])
		}
		g.Stages = append(g.Stages, tree)
	}
	return nil
}

func (g *GradientBoosting) Kind() string { return KindGradientBoosting }

// Predict returns init + lr·Σ stage(x).
func (g *GradientBoosting) Predict(x []float64) float64 {
	out := g.Init
	for _, t := range g.Stages {
		out += g.LearningRate * t.Predict(x)
	}
	return out
}
