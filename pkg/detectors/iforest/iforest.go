// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/fraudguard/pkg/detectors"
)

// ModelType identifies this detector in experiment records.
const ModelType = "IsolationForest"

// eulerGamma is the Euler-Mascheroni constant.
const eulerGamma = 0.5772156649015329

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64
	workers       int

	// Trained model
	trees      []iTree
	trained    bool
	nFeatures  int
	maxSamples int
	offset     float64

	// c(maxSamples), the average path length used for normalization
	avgPathLength float64
}

// iTree is a single isolation tree stored as a flat node slice; node 0 is the root.
type iTree struct {
	Nodes []node
}

// node is an internal split when Left >= 0, otherwise a leaf.
type node struct {
	Feature int
	Split   float64
	Left    int32
	Right   int32
	Size    int
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree. It is capped at the
// number of training rows.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies, which places
// the decision boundary at that quantile of the training scores.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// WithWorkers bounds concurrent tree construction. Zero means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(f *IsolationForest) {
		f.workers = n
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		seed:          42,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Params returns the hyperparameters as strings for experiment records.
// Once trained, max_samples is the subsample size actually drawn, which is
// capped at the number of training rows.
func (f *IsolationForest) Params() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	maxSamples := f.sampleSize
	if f.trained {
		maxSamples = f.maxSamples
	}
	return map[string]string{
		"n_estimators":  strconv.Itoa(f.nTrees),
		"max_samples":   strconv.Itoa(maxSamples),
		"contamination": strconv.FormatFloat(f.contamination, 'g', -1, 64),
		"random_state":  strconv.FormatInt(f.seed, 10),
	}
}

// Fit trains the Isolation Forest on the provided data.
func (f *IsolationForest) Fit(data [][]float64) error {
	return f.FitContext(context.Background(), data)
}

// FitContext trains the forest, building trees concurrently. Each tree draws
// from its own generator seeded up front, so the result does not depend on
// scheduling.
func (f *IsolationForest) FitContext(ctx context.Context, data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return detectors.ErrEmptyData
	}
	if f.nTrees < 1 {
		return fmt.Errorf("need at least one tree, got %d", f.nTrees)
	}
	if f.contamination <= 0 || f.contamination > 0.5 {
		return fmt.Errorf("contamination %v outside (0, 0.5]", f.contamination)
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return fmt.Errorf("%w: rows have no features", detectors.ErrFeatureCount)
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d has %d features, want %d: %w", i, len(row), nFeatures, detectors.ErrFeatureCount)
		}
	}

	// Adjust sample size if needed
	sampleSize := f.sampleSize
	if sampleSize <= 0 || sampleSize > nSamples {
		sampleSize = nSamples
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	rng := rand.New(rand.NewSource(f.seed))
	seeds := make([]int64, f.nTrees)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	workers := f.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	trees := make([]iTree, f.nTrees)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trees {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			treeRng := rand.New(rand.NewSource(seeds[i]))

			// Sample without replacement
			indices := treeRng.Perm(nSamples)[:sampleSize]
			sample := make([][]float64, sampleSize)
			for j, idx := range indices {
				sample[j] = data[idx]
			}

			b := builder{rng: treeRng, nFeatures: nFeatures, maxDepth: maxDepth}
			b.build(sample, 0)
			trees[i] = iTree{Nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.maxSamples = sampleSize
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// The boundary sits at the contamination quantile of the training scores.
	scores := f.scoreSamples(data)
	sort.Float64s(scores)
	f.offset = stat.Quantile(f.contamination, stat.Empirical, scores, nil)

	return nil
}

// builder grows one tree into a flat node slice.
type builder struct {
	rng       *rand.Rand
	nFeatures int
	maxDepth  int
	nodes     []node
}

func (b *builder) build(data [][]float64, depth int) int32 {
	idx := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{Left: -1, Right: -1, Size: len(data)})

	// Terminal conditions
	if depth >= b.maxDepth || len(data) <= 1 {
		return idx
	}

	feature, minVal, maxVal, ok := b.pickFeature(data)
	if !ok {
		return idx
	}

	// Random split value
	splitValue := minVal + b.rng.Float64()*(maxVal-minVal)

	// Partition data
	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	left := b.build(leftData, depth+1)
	right := b.build(rightData, depth+1)
	b.nodes[idx] = node{Feature: feature, Split: splitValue, Left: left, Right: right, Size: len(data)}
	return idx
}

// pickFeature visits features in random order and returns the first one that
// still varies across data.
func (b *builder) pickFeature(data [][]float64) (feature int, minVal, maxVal float64, ok bool) {
	for _, j := range b.rng.Perm(b.nFeatures) {
		minVal, maxVal = data[0][j], data[0][j]
		for _, row := range data[1:] {
			if row[j] < minVal {
				minVal = row[j]
			}
			if row[j] > maxVal {
				maxVal = row[j]
			}
		}
		if minVal < maxVal {
			return j, minVal, maxVal, true
		}
	}
	return 0, 0, 0, false
}

// ScoreSamples returns the opposite of the isolation anomaly score
// 2^(-E[h(x)]/c(n)). Values lie in [-1, 0); lower is more anomalous.
func (f *IsolationForest) ScoreSamples(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.check(data); err != nil {
		return nil, err
	}
	return f.scoreSamples(data), nil
}

// DecisionFunction returns ScoreSamples shifted by the fitted offset, so
// negative values are outliers at the configured contamination.
func (f *IsolationForest) DecisionFunction(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.check(data); err != nil {
		return nil, err
	}

	scores := f.scoreSamples(data)
	for i := range scores {
		scores[i] -= f.offset
	}
	return scores, nil
}

// Predict reports which samples fall outside the decision boundary.
func (f *IsolationForest) Predict(data [][]float64) ([]bool, error) {
	decision, err := f.DecisionFunction(data)
	if err != nil {
		return nil, err
	}

	out := make([]bool, len(decision))
	for i, v := range decision {
		out[i] = v < 0
	}
	return out, nil
}

// PredictOne returns the anomaly score (negated decision value) of one sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.check([][]float64{sample}); err != nil {
		return 0, err
	}
	return -(f.scoreOne(sample) - f.offset), nil
}

func (f *IsolationForest) check(data [][]float64) error {
	if !f.trained {
		return detectors.ErrNotTrained
	}
	for i, row := range data {
		if len(row) != f.nFeatures {
			return fmt.Errorf("row %d has %d features, want %d: %w", i, len(row), f.nFeatures, detectors.ErrFeatureCount)
		}
	}
	return nil
}

func (f *IsolationForest) scoreSamples(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.scoreOne(sample)
	}
	return scores
}

func (f *IsolationForest) scoreOne(sample []float64) float64 {
	// Average path length across all trees
	var totalPath float64
	for i := range f.trees {
		totalPath += f.trees[i].pathLength(sample)
	}
	avgPath := totalPath / float64(len(f.trees))

	norm := f.avgPathLength
	if norm == 0 {
		norm = 1
	}
	return -math.Pow(2, -avgPath/norm)
}

// pathLength calculates the path length for a sample in a tree.
func (t *iTree) pathLength(sample []float64) float64 {
	var depth float64
	i := int32(0)
	for {
		n := &t.Nodes[i]
		if n.Left < 0 {
			// Leaf node: add expected path length for remaining isolation
			return depth + averagePathLength(float64(n.Size))
		}
		if sample[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, with H(i) ~ ln(i) + gamma
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// PredictStream processes samples from a channel.
func (f *IsolationForest) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	f.mu.RLock()
	if !f.trained {
		f.mu.RUnlock()
		return detectors.ErrNotTrained
	}
	f.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			score, err := f.PredictOne(sample)
			if err != nil {
				return err
			}

			select {
			case output <- detectors.Score{
				Value:     score,
				IsAnomaly: score > 0,
				Features:  sample,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// snapshot is the gob wire form of a trained forest.
type snapshot struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Seed          int64
	NFeatures     int
	MaxSamples    int
	Offset        float64
	Trees         []iTree
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Seed:          f.seed,
		NFeatures:     f.nFeatures,
		MaxSamples:    f.maxSamples,
		Offset:        f.offset,
		Trees:         f.trees,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode isolation forest: %w", err)
	}
	if len(s.Trees) == 0 || s.NFeatures == 0 {
		return fmt.Errorf("decode isolation forest: %w", detectors.ErrNotTrained)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = s.NTrees
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.seed = s.Seed
	f.nFeatures = s.NFeatures
	f.maxSamples = s.MaxSamples
	f.offset = s.Offset
	f.trees = s.Trees
	f.avgPathLength = averagePathLength(float64(s.MaxSamples))
	f.trained = true

	return nil
}

// Offset returns the fitted decision boundary in ScoreSamples units.
func (f *IsolationForest) Offset() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.offset
}
