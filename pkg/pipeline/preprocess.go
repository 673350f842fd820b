package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/fraudguard/pkg/artifact"
	"github.com/hed1ad/fraudguard/pkg/config"
	"github.com/hed1ad/fraudguard/pkg/dataset"
	"github.com/hed1ad/fraudguard/pkg/io/csv"
	"github.com/hed1ad/fraudguard/pkg/preprocessing"
)

// PreprocessResult summarizes one preprocessing run.
type PreprocessResult struct {
	RawRows    int
	TrainRows  int
	TestRows   int
	NormalRows int
	// TestPositives is the number of fraud rows held out for evaluation.
	TestPositives int
	Features      []string
	// Fingerprint identifies the exact set of files written.
	Fingerprint string
}

// Preprocess loads the raw transactions, splits them, fits the scaler on the
// normal training rows only and writes the scaled tables, the test labels,
// the scaler and a digest manifest. Existing outputs are replaced.
func Preprocess(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*PreprocessResult, error) {
	o := newOptions(opts)
	started := time.Now()
	logger = stageLogger(ctx, logger, StagePreprocess)

	raw, err := csv.ReadFile(cfg.Data.RawPath)
	if err != nil {
		return nil, fmt.Errorf("load raw data: %w", err)
	}
	logger.Info("loaded raw data", "path", cfg.Data.RawPath, "rows", raw.Len(), "columns", raw.Width())

	features, labels, err := raw.SplitLabel(cfg.Data.LabelColumn)
	if err != nil {
		return nil, fmt.Errorf("separate label: %w", err)
	}
	if len(cfg.Data.DropColumns) > 0 {
		features, err = features.Drop(cfg.Data.DropColumns...)
		if err != nil {
			return nil, fmt.Errorf("drop columns: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	split, err := dataset.StratifiedSplit(features, labels, cfg.Split.TestSize, cfg.Split.Seed)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	logger.Info("split data",
		"train_rows", split.TrainX.Len(),
		"test_rows", split.TestX.Len(),
		"train_fraud_rate", dataset.PositiveRate(split.TrainY),
		"test_fraud_rate", dataset.PositiveRate(split.TestY),
	)

	normal, err := dataset.NormalOnly(split.TrainX, split.TrainY)
	if err != nil {
		return nil, fmt.Errorf("select normal training rows: %w", err)
	}

	scaler := &preprocessing.StandardScaler{}
	trainScaled, err := scaler.FitTransform(normal)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	testScaled, err := scaler.Transform(split.TestX)
	if err != nil {
		return nil, fmt.Errorf("scale test set: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifest := artifact.NewManifest()
	manifest.Params["raw_path"] = cfg.Data.RawPath
	manifest.Params["label_column"] = cfg.Data.LabelColumn
	manifest.Params["drop_columns"] = strings.Join(cfg.Data.DropColumns, ",")
	manifest.Params["test_size"] = strconv.FormatFloat(cfg.Split.TestSize, 'g', -1, 64)
	manifest.Params["seed"] = strconv.FormatInt(cfg.Split.Seed, 10)

	labelFrame := dataset.LabelFrame(cfg.Data.LabelColumn, split.TestY)
	outputs := []struct {
		name   string
		path   string
		encode func() ([]byte, error)
	}{
		{config.TrainNormalFile, cfg.Data.TrainNormalPath(), func() ([]byte, error) { return csv.Marshal(trainScaled) }},
		{config.TestMixedFile, cfg.Data.TestMixedPath(), func() ([]byte, error) { return csv.Marshal(testScaled) }},
		{config.TestLabelsFile, cfg.Data.TestLabelsPath(), func() ([]byte, error) { return csv.Marshal(labelFrame) }},
		{scalerEntry, cfg.Data.ScalerPath, scaler.Encode},
	}

	// Nothing replaces a previous output until every new one is staged.
	var batch artifact.Batch
	for _, out := range outputs {
		data, err := out.encode()
		if err != nil {
			batch.Abort()
			return nil, fmt.Errorf("encode %s: %w", out.name, err)
		}
		if err := batch.Stage(out.path, data); err != nil {
			return nil, fmt.Errorf("write %s: %w", out.name, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	for _, out := range outputs {
		if err := manifest.Add(out.name, out.path); err != nil {
			return nil, fmt.Errorf("digest %s: %w", out.name, err)
		}
		logger.Debug("wrote artifact", "name", out.name, "path", out.path, "digest", manifest.Files[out.name].Digest)
	}

	if err := manifest.Save(cfg.Data.ManifestPath()); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	res := &PreprocessResult{
		RawRows:       raw.Len(),
		TrainRows:     split.TrainX.Len(),
		TestRows:      split.TestX.Len(),
		NormalRows:    normal.Len(),
		TestPositives: countPositives(split.TestY),
		Features:      normal.Columns,
		Fingerprint:   manifest.Fingerprint(),
	}

	o.metrics.Rows.WithLabelValues("raw").Set(float64(res.RawRows))
	o.metrics.Rows.WithLabelValues("train").Set(float64(res.TrainRows))
	o.metrics.Rows.WithLabelValues("train_normal").Set(float64(res.NormalRows))
	o.metrics.Rows.WithLabelValues("test").Set(float64(res.TestRows))
	o.metrics.StageDone(StagePreprocess, started)

	logger.Info("preprocessing complete",
		"normal_rows", res.NormalRows,
		"test_rows", res.TestRows,
		"test_positives", res.TestPositives,
		"output_dir", cfg.Data.OutputDir,
		"fingerprint", res.Fingerprint,
		"duration", time.Since(started),
	)
	return res, nil
}

func countPositives(labels []float64) int {
	var n int
	for _, y := range labels {
		if y == 1 {
			n++
		}
	}
	return n
}
