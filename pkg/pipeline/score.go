package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/fraudguard/pkg/config"
	"github.com/hed1ad/fraudguard/pkg/dataset"
	"github.com/hed1ad/fraudguard/pkg/detectors"
	"github.com/hed1ad/fraudguard/pkg/detectors/iforest"
	fgio "github.com/hed1ad/fraudguard/pkg/io"
	"github.com/hed1ad/fraudguard/pkg/io/csv"
	"github.com/hed1ad/fraudguard/pkg/preprocessing"
)

// ScoreResult summarizes one scoring pass.
type ScoreResult struct {
	Rows    int
	Flagged int
	LiveLog string
}

// Score streams the transactions in input through the persisted scaler and
// forest and appends one record per row to the live prediction log. Columns
// the scaler was not fitted on, such as Time or Class, are ignored.
func Score(ctx context.Context, cfg *config.Config, input string, logger *slog.Logger, opts ...Option) (*ScoreResult, error) {
	o := newOptions(opts)
	started := time.Now()
	logger = stageLogger(ctx, logger, StageScore)

	scaler, err := preprocessing.LoadScaler(cfg.Data.ScalerPath)
	if err != nil {
		return nil, fmt.Errorf("load scaler: %w", err)
	}
	model, err := os.ReadFile(cfg.Model.Path)
	if err != nil {
		return nil, fmt.Errorf("load model (run train first): %w", err)
	}
	forest := iforest.New()
	if err := forest.Load(model); err != nil {
		return nil, err
	}

	r, err := csv.NewReader(input)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer r.Close()

	columns, err := featureIndices(r.Headers(), scaler.FeatureNames)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", input, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	rows, err := r.Stream(gctx)
	if err != nil {
		return nil, err
	}
	samples := make(chan []float64, 100)
	scored := make(chan detectors.Score, 100)

	g.Go(func() error {
		defer close(samples)
		for row := range rows {
			vec := make([]float64, len(columns))
			for j, idx := range columns {
				vec[j] = row[idx]
			}
			select {
			case samples <- scaler.TransformRow(vec):
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return r.Err()
	})

	g.Go(func() error {
		defer close(scored)
		return forest.PredictStream(gctx, samples, scored)
	})

	var results []fgio.Result
	g.Go(func() error {
		for s := range scored {
			results = append(results, fgio.Result{
				Timestamp: time.Now().UnixNano(),
				Score:     s.Value,
				IsFraud:   s.IsAnomaly,
				Features:  s.Features,
			})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("score %s: %w", input, err)
	}

	if err := csv.AppendResults(cfg.Monitoring.LiveLog, results); err != nil {
		return nil, fmt.Errorf("append live log: %w", err)
	}

	res := &ScoreResult{Rows: len(results), LiveLog: cfg.Monitoring.LiveLog}
	for _, rec := range results {
		if rec.IsFraud {
			res.Flagged++
		}
	}

	o.metrics.Rows.WithLabelValues("scored").Set(float64(res.Rows))
	o.metrics.StageDone(StageScore, started)
	logger.Info("scored transactions", "input", input, "rows", res.Rows, "flagged", res.Flagged, "live_log", res.LiveLog)
	return res, nil
}

// featureIndices maps each fitted feature to its position in header.
func featureIndices(header, features []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[h] = i
	}
	idx := make([]int, len(features))
	for j, name := range features {
		i, ok := pos[name]
		if !ok {
			return nil, fmt.Errorf("feature %q: %w", name, dataset.ErrMissingColumn)
		}
		idx[j] = i
	}
	return idx, nil
}
