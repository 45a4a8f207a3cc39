package anomaly

import (
	"math"
	"math/rand"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
)

// IsolationForestScorer flags the most isolated samples of a series. A fresh forest is grown per
// series from Seed, so identical input always yields identical output.
type IsolationForestScorer struct {
	Trees         int
	SampleSize    int
	MaxDepth      int
	Contamination float64
	Seed          int64
	MinSamples    int
}

// NewIsolationForestScorer returns a scorer with the usual defaults: 100 trees, 256 samples,
// depth 8, contamination 0.1.
func NewIsolationForestScorer(seed int64) IsolationForestScorer {
	return IsolationForestScorer{
		Trees:         100,
		SampleSize:    256,
		MaxDepth:      8,
		Contamination: 0.1,
		Seed:          seed,
		MinSamples:    10,
	}
}

// Score implements Scorer. At most ceil(contamination*n) points are flagged and only those
// scoring above 0.5, the expected score of an unremarkable sample.
func (s IsolationForestScorer) Score(series []models.MetricPoint) []ScoredPoint {
	minSamples := s.MinSamples
	if minSamples <= 0 {
		minSamples = 10
	}
	if len(series) < minSamples {
		return nil
	}

	values := valuesOf(series)
	f := growForest(values, s.Trees, s.SampleSize, s.MaxDepth, s.Seed)

	scored := make([]ScoredPoint, 0, len(series))
	for i, p := range series {
		scored = append(scored, ScoredPoint{Index: i, Timestamp: p.Timestamp, Value: p.Value, Score: f.score(p.Value)})
	}
	sortScored(scored)

	contamination := s.Contamination
	if contamination <= 0 || contamination > 0.5 {
		contamination = 0.1
	}
	budget := int(math.Ceil(contamination * float64(len(series))))

	flagged := make([]ScoredPoint, 0, budget)
	for _, p := range scored {
		if len(flagged) == budget || p.Score-neutralScore <= 1e-9 {
			break
		}
		flagged = append(flagged, p)
	}
	return flagged
}

// neutralScore is what a sample indistinguishable from the rest of the series scores.
const neutralScore = 0.5

type isoNode struct {
	split       float64
	left, right *isoNode
	size        int
	leaf        bool
}

type forest struct {
	trees      []*isoNode
	sampleSize int
	maxDepth   int
	rng        *rand.Rand
}

func growForest(values []float64, trees, sampleSize, maxDepth int, seed int64) *forest {
	if trees <= 0 {
		trees = 100
	}
	if sampleSize <= 0 || sampleSize > len(values) {
		sampleSize = len(values)
	}
	if maxDepth <= 0 {
		maxDepth = int(math.Ceil(math.Log2(float64(sampleSize))))
	}
	f := &forest{sampleSize: sampleSize, maxDepth: maxDepth, rng: rand.New(rand.NewSource(seed))}
	for i := 0; i < trees; i++ {
		f.trees = append(f.trees, f.build(f.sample(values), 0))
	}
	return f
}

// sample draws sampleSize values without replacement using a partial Fisher-Yates shuffle.
func (f *forest) sample(values []float64) []float64 {
	shuffled := append([]float64(nil), values...)
	for i := 0; i < f.sampleSize; i++ {
		j := i + f.rng.Intn(len(shuffled)-i)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:f.sampleSize]
}

func (f *forest) build(data []float64, depth int) *isoNode {
	if len(data) <= 1 || depth >= f.maxDepth {
		return &isoNode{size: len(data), leaf: true}
	}
	lo, hi := data[0], data[0]
	for _, v := range data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo <= 1e-10 {
		return &isoNode{size: len(data), leaf: true}
	}

	split := lo + f.rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range data {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(data), leaf: true}
	}
	return &isoNode{
		split: split,
		left:  f.build(left, depth+1),
		right: f.build(right, depth+1),
		size:  len(data),
	}
}

// score is 2^(-E[h(x)]/c(n)).
func (f *forest) score(v float64) float64 {
	norm := averagePathLength(f.sampleSize)
	if len(f.trees) == 0 || norm == 0 {
		return neutralScore
	}
	total := 0.0
	for _, t := range f.trees {
		total += pathLength(t, v, 0)
	}
	return math.Pow(2, -(total/float64(len(f.trees)))/norm)
}

func pathLength(n *isoNode, v float64, depth int) float64 {
	if n.leaf {
		return float64(depth) + averagePathLength(n.size)
	}
	if v < n.split {
		return pathLength(n.left, v, depth+1)
	}
	return pathLength(n.right, v, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a binary search tree.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	harmonic := math.Log(float64(n-1)) + 0.5772156649
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
