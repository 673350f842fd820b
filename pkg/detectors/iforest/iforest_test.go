package iforest

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/fraudguard/pkg/detectors"
)

func TestNewIsolationForest(t *testing.T) {
	tests := []struct {
		name              string
		opts              []Option
		wantNTrees        int
		wantContamination float64
	}{
		{
			name:              "default configuration",
			opts:              nil,
			wantNTrees:        100,
			wantContamination: 0.1,
		},
		{
			name:              "custom trees",
			opts:              []Option{WithTrees(50)},
			wantNTrees:        50,
			wantContamination: 0.1,
		},
		{
			name:              "multiple options",
			opts:              []Option{WithTrees(200), WithContamination(0.0017), WithSeed(123), WithWorkers(2)},
			wantNTrees:        200,
			wantContamination: 0.0017,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts...)
			assert.Equal(t, tt.wantNTrees, f.nTrees)
			assert.Equal(t, tt.wantContamination, f.contamination)
		})
	}
}

func TestParamsRecordEffectiveSampleSize(t *testing.T) {
	f := New(WithTrees(10), WithSampleSize(5000), WithSeed(1))
	assert.Equal(t, "5000", f.Params()["max_samples"])

	rng := rand.New(rand.NewSource(3))
	data := make([][]float64, 796)
	for i := range data {
		data[i] = []float64{rng.NormFloat64(), rng.NormFloat64()}
	}
	require.NoError(t, f.Fit(data))

	params := f.Params()
	assert.Equal(t, "796", params["max_samples"])
	assert.Equal(t, "10", params["n_estimators"])
}

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		wantErr bool
	}{
		{
			name:    "empty data",
			data:    [][]float64{},
			wantErr: true,
		},
		{
			name:    "ragged rows",
			data:    [][]float64{{1, 2}, {3}},
			wantErr: true,
		},
		{
			name:    "no features",
			data:    [][]float64{{}, {}},
			wantErr: true,
		},
		{
			name:    "single sample",
			data:    [][]float64{{1.0, 2.0, 3.0}},
			wantErr: false,
		},
		{
			name:    "constant data",
			data:    [][]float64{{1, 1}, {1, 1}, {1, 1}},
			wantErr: false,
		},
		{
			name:    "normal data",
			data:    generateTestData(rand.New(rand.NewSource(1)), 100, 5),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithTrees(10), WithSeed(42))
			err := f.Fit(tt.data)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.True(t, f.trained)
				assert.Len(t, f.trees, f.nTrees)
			}
		})
	}

	t.Run("empty data sentinel", func(t *testing.T) {
		assert.ErrorIs(t, New().Fit(nil), detectors.ErrEmptyData)
	})

	t.Run("invalid contamination", func(t *testing.T) {
		f := New(WithContamination(0.7))
		assert.Error(t, f.Fit([][]float64{{1}, {2}}))
	})
}

func TestFitDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	train := generateTestData(rng, 300, 4)
	test := generateTestData(rng, 50, 4)

	a := New(WithTrees(40), WithSeed(9), WithWorkers(1))
	b := New(WithTrees(40), WithSeed(9), WithWorkers(8))
	require.NoError(t, a.Fit(train))
	require.NoError(t, b.Fit(train))

	sa, err := a.DecisionFunction(test)
	require.NoError(t, err)
	sb, err := b.DecisionFunction(test)
	require.NoError(t, err)
	assert.Equal(t, sa, sb, "worker count must not change the model")

	c := New(WithTrees(40), WithSeed(10))
	require.NoError(t, c.Fit(train))
	sc, err := c.DecisionFunction(test)
	require.NoError(t, err)
	assert.NotEqual(t, sa, sc)
}

func TestFitContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(WithTrees(10))
	err := f.FitContext(ctx, generateTestData(rand.New(rand.NewSource(1)), 20, 2))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.trained)
}

func TestScoring(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	trainData := generateTestData(rng, 500, 5)
	f := New(WithTrees(50), WithSampleSize(100), WithContamination(0.05), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	t.Run("score samples range", func(t *testing.T) {
		scores, err := f.ScoreSamples(generateTestData(rng, 100, 5))
		require.NoError(t, err)
		assert.Len(t, scores, 100)

		for _, score := range scores {
			assert.GreaterOrEqual(t, score, -1.0)
			assert.Less(t, score, 0.0)
		}
	})

	t.Run("anomalies rank above normal points", func(t *testing.T) {
		anomalies := [][]float64{
			{1000, 1000, 1000, 1000, 1000},
			{-500, -500, -500, -500, -500},
		}
		normal := [][]float64{{0, 0, 0, 0, 0}}

		anomalyScores, err := detectors.AnomalyScores(f, anomalies)
		require.NoError(t, err)
		normalScores, err := detectors.AnomalyScores(f, normal)
		require.NoError(t, err)

		for _, score := range anomalyScores {
			assert.Greater(t, score, normalScores[0])
			assert.Greater(t, score, 0.0, "outliers lie beyond the boundary")
		}

		flags, err := f.Predict(anomalies)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, true}, flags)
	})

	t.Run("contamination sets the boundary", func(t *testing.T) {
		flags, err := f.Predict(trainData)
		require.NoError(t, err)

		var outliers int
		for _, flag := range flags {
			if flag {
				outliers++
			}
		}
		assert.InDelta(t, 0.05*float64(len(trainData)), float64(outliers), 3)
	})

	t.Run("decision function is offset score", func(t *testing.T) {
		sample := generateTestData(rng, 10, 5)
		raw, err := f.ScoreSamples(sample)
		require.NoError(t, err)
		decision, err := f.DecisionFunction(sample)
		require.NoError(t, err)

		for i := range raw {
			assert.InDelta(t, raw[i]-f.Offset(), decision[i], 1e-12)
		}
	})

	t.Run("negation inverts the order", func(t *testing.T) {
		sample := generateTestData(rng, 30, 5)
		decision, err := f.DecisionFunction(sample)
		require.NoError(t, err)
		scores, err := detectors.AnomalyScores(f, sample)
		require.NoError(t, err)

		for i := range decision {
			assert.Equal(t, -decision[i], scores[i])
			for j := range decision {
				if decision[i] < decision[j] {
					assert.Greater(t, scores[i], scores[j])
				}
			}
		}
	})

	t.Run("wrong width", func(t *testing.T) {
		_, err := f.DecisionFunction([][]float64{{1, 2}})
		assert.ErrorIs(t, err, detectors.ErrFeatureCount)
	})

	t.Run("score before fit", func(t *testing.T) {
		untrained := New()
		_, err := untrained.DecisionFunction(trainData)
		assert.ErrorIs(t, err, detectors.ErrNotTrained)
		_, err = untrained.PredictOne(trainData[0])
		assert.ErrorIs(t, err, detectors.ErrNotTrained)
	})
}

func TestPredictOne(t *testing.T) {
	trainData := generateTestData(rand.New(rand.NewSource(5)), 200, 3)
	f := New(WithTrees(30), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	sample := []float64{0.1, -0.2, 0.3}
	one, err := f.PredictOne(sample)
	require.NoError(t, err)

	batch, err := detectors.AnomalyScores(f, [][]float64{sample})
	require.NoError(t, err)
	assert.InDelta(t, batch[0], one, 1e-12)
}

func TestPredictStream(t *testing.T) {
	trainData := generateTestData(rand.New(rand.NewSource(6)), 200, 3)
	f := New(WithTrees(30), WithSeed(42), WithContamination(0.05))
	require.NoError(t, f.Fit(trainData))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []float64)
	output := make(chan detectors.Score, 10)

	errc := make(chan error, 1)
	go func() {
		errc <- f.PredictStream(ctx, input, output)
		close(output)
	}()

	// Send test samples
	testSamples := [][]float64{
		{0.5, 0.5, 0.5},
		{100, 100, 100}, // anomaly
		{0.3, 0.3, 0.3},
	}

	go func() {
		for _, sample := range testSamples {
			input <- sample
		}
		close(input)
	}()

	// Receive results
	results := make([]detectors.Score, 0, len(testSamples))
	for score := range output {
		results = append(results, score)
	}

	require.NoError(t, <-errc)
	require.Len(t, results, len(testSamples))
	assert.True(t, results[1].IsAnomaly)
	assert.Equal(t, testSamples[1], results[1].Features)
}

func TestSaveLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	trainData := generateTestData(rng, 200, 4)
	original := New(WithTrees(30), WithContamination(0.15), WithSeed(42))
	require.NoError(t, original.Fit(trainData))

	// Get predictions before save
	testData := generateTestData(rng, 50, 4)
	originalScores, err := original.DecisionFunction(testData)
	require.NoError(t, err)

	// Save
	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// Load into new instance
	loaded := New()
	err = loaded.Load(data)
	require.NoError(t, err)

	// Predictions should match
	loadedScores, err := loaded.DecisionFunction(testData)
	require.NoError(t, err)

	assert.Equal(t, originalScores, loadedScores)
	assert.Equal(t, original.Params(), loaded.Params())

	_, err = New().Save()
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
	assert.Error(t, New().Load([]byte("garbage")))
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))

	// c(256) from the original isolation forest paper.
	assert.InDelta(t, 10.24, averagePathLength(256), 0.01)
	assert.False(t, math.IsNaN(averagePathLength(3)))
}

func BenchmarkFit(b *testing.B) {
	data := generateTestData(rand.New(rand.NewSource(1)), 10000, 10)
	f := New(WithTrees(100), WithSampleSize(256))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Fit(data)
	}
}

func BenchmarkDecisionFunction(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	trainData := generateTestData(rng, 5000, 10)
	testData := generateTestData(rng, 1000, 10)

	f := New(WithTrees(100), WithSampleSize(256))
	f.Fit(trainData)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.DecisionFunction(testData)
	}
}

func generateTestData(rng *rand.Rand, n, features int) [][]float64 {
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = make([]float64, features)
		for j := 0; j < features; j++ {
			data[i][j] = rng.NormFloat64()
		}
	}
	return data
}
