package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hed1ad/fraudguard/pkg/artifact"
	"github.com/hed1ad/fraudguard/pkg/config"
	"github.com/hed1ad/fraudguard/pkg/dataset"
	"github.com/hed1ad/fraudguard/pkg/detectors"
	"github.com/hed1ad/fraudguard/pkg/detectors/iforest"
	"github.com/hed1ad/fraudguard/pkg/evaluation"
	"github.com/hed1ad/fraudguard/pkg/io/csv"
	"github.com/hed1ad/fraudguard/pkg/tracking"
)

// Names recorded with the tracker.
const (
	MetricAUCROC  = "AUC_ROC"
	TagDataDigest = "data_digest"

	modelFile      = "model.gob"
	descriptorFile = "MLmodel.yaml"
)

// TrainResult summarizes one training run. Train returns it together with a
// tracking error so the computed metric is never lost.
type TrainResult struct {
	TrainRows int
	TestRows  int
	AUCROC    float64
	// Scores are the anomaly scores of the test rows, higher is more anomalous.
	Scores     []float64
	Params     map[string]string
	DataDigest string
	ModelPath  string

	// Set once the tracker accepted the run.
	RunID        string
	ModelVersion *tracking.ModelVersion
}

// descriptor is the MLmodel.yaml logged next to the serialized forest.
type descriptor struct {
	ModelType      string            `yaml:"model_type"`
	ModelFile      string            `yaml:"model_file"`
	RunID          string            `yaml:"run_id"`
	UTCTimeCreated string            `yaml:"utc_time_created"`
	Features       []string          `yaml:"features"`
	Params         map[string]string `yaml:"params"`
	DataDigest     string            `yaml:"data_digest"`
	Metrics        map[string]any    `yaml:"metrics"`
}

// Train fits the isolation forest on the normal-only training table, scores
// the mixed test set, computes AUC-ROC and records the run with tracker.
func Train(ctx context.Context, cfg *config.Config, tracker tracking.Tracker, logger *slog.Logger, opts ...Option) (*TrainResult, error) {
	o := newOptions(opts)
	started := time.Now()
	logger = stageLogger(ctx, logger, StageTrain)

	manifest, err := artifact.LoadManifest(cfg.Data.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("load manifest (run preprocess first): %w", err)
	}
	if err := manifest.Verify(); err != nil {
		return nil, fmt.Errorf("processed data changed since preprocessing: %w", err)
	}

	train, test, labels, err := loadTables(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded processed data", "train_rows", train.Len(), "test_rows", test.Len(), "features", train.Width())

	forest := iforest.New(
		iforest.WithTrees(cfg.Model.Trees),
		iforest.WithSampleSize(cfg.Model.SampleSize),
		iforest.WithContamination(cfg.Model.Contamination),
		iforest.WithSeed(cfg.Model.Seed),
		iforest.WithWorkers(cfg.Model.Workers),
	)
	if err := forest.FitContext(ctx, train.Rows); err != nil {
		return nil, fmt.Errorf("fit isolation forest: %w", err)
	}

	scores, err := detectors.AnomalyScores(forest, test.Rows)
	if err != nil {
		return nil, fmt.Errorf("score test set: %w", err)
	}
	auc, err := evaluation.AUCROC(labels, scores)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	params := forest.Params()
	params["model_type"] = iforest.ModelType
	params["train_rows"] = strconv.Itoa(train.Len())

	res := &TrainResult{
		TrainRows:  train.Len(),
		TestRows:   test.Len(),
		AUCROC:     auc,
		Scores:     scores,
		Params:     params,
		DataDigest: manifest.Fingerprint(),
		ModelPath:  cfg.Model.Path,
	}
	o.metrics.AUCROC.Set(auc)
	logger.Info("evaluated model", "auc_roc", auc, "offset", forest.Offset())

	model, err := forest.Save()
	if err != nil {
		return res, fmt.Errorf("serialize model: %w", err)
	}
	if err := artifact.WriteFile(cfg.Model.Path, model); err != nil {
		return res, fmt.Errorf("write model: %w", err)
	}

	if err := record(ctx, cfg, tracker, res, train.Columns, model, logger); err != nil {
		return res, err
	}

	o.metrics.StageDone(StageTrain, started)
	logger.Info("training complete", "run_id", res.RunID, "auc_roc", auc, "duration", time.Since(started))
	return res, nil
}

func loadTables(cfg *config.Config) (train, test *dataset.Frame, labels []float64, err error) {
	train, err = csv.ReadFile(cfg.Data.TrainNormalPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load training table: %w", err)
	}
	test, err = csv.ReadFile(cfg.Data.TestMixedPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load test table: %w", err)
	}
	labelFrame, err := csv.ReadFile(cfg.Data.TestLabelsPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load test labels: %w", err)
	}
	labels, err = labelFrame.Column(cfg.Data.LabelColumn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load test labels: %w", err)
	}

	if !slices.Equal(train.Columns, test.Columns) {
		return nil, nil, nil, fmt.Errorf("train columns %v, test columns %v: %w", train.Columns, test.Columns, ErrSchemaMismatch)
	}
	if len(labels) != test.Len() {
		return nil, nil, nil, fmt.Errorf("%d test rows, %d labels: %w", test.Len(), len(labels), ErrSchemaMismatch)
	}
	return train, test, labels, nil
}

// record logs the run. Once a run exists, any failure marks it FAILED.
func record(ctx context.Context, cfg *config.Config, tracker tracking.Tracker, res *TrainResult, features []string, model []byte, logger *slog.Logger) error {
	run, err := tracker.StartRun(ctx, cfg.Tracking.Experiment, cfg.Tracking.RunName)
	if err != nil {
		return fmt.Errorf("start tracking run (auc_roc=%.6f not recorded): %w", res.AUCROC, err)
	}
	res.RunID = run.ID()

	if err := logRun(ctx, cfg, run, res, features, model, logger); err != nil {
		if endErr := run.End(ctx, tracking.StatusFailed); endErr != nil {
			err = errors.Join(err, endErr)
		}
		return fmt.Errorf("record run %s (auc_roc=%.6f): %w", res.RunID, res.AUCROC, err)
	}
	return run.End(ctx, tracking.StatusFinished)
}

func logRun(ctx context.Context, cfg *config.Config, run tracking.Run, res *TrainResult, features []string, model []byte, logger *slog.Logger) error {
	keys := make([]string, 0, len(res.Params))
	for k := range res.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := run.LogParam(ctx, k, res.Params[k]); err != nil {
			return err
		}
	}

	if err := run.LogMetric(ctx, MetricAUCROC, res.AUCROC); err != nil {
		return err
	}
	if err := run.SetTag(ctx, TagDataDigest, res.DataDigest); err != nil {
		return err
	}

	desc, err := yaml.Marshal(descriptor{
		ModelType:      iforest.ModelType,
		ModelFile:      modelFile,
		RunID:          run.ID(),
		UTCTimeCreated: time.Now().UTC().Format(time.RFC3339),
		Features:       features,
		Params:         res.Params,
		DataDigest:     res.DataDigest,
		Metrics:        map[string]any{MetricAUCROC: res.AUCROC},
	})
	if err != nil {
		return err
	}

	scaler, err := os.ReadFile(cfg.Data.ScalerPath)
	if err != nil {
		return fmt.Errorf("read scaler: %w", err)
	}

	artifacts := []struct {
		name string
		data []byte
	}{
		{modelFile, model},
		{descriptorFile, desc},
		{scalerEntry, scaler},
	}
	for _, a := range artifacts {
		if err := run.LogArtifact(ctx, cfg.Tracking.ArtifactPath, a.name, a.data); err != nil {
			return err
		}
	}
	logger.Info("logged run", "run_id", run.ID(), "experiment", cfg.Tracking.Experiment, "artifact_path", cfg.Tracking.ArtifactPath)

	if cfg.Tracking.RegisteredModel == "" {
		return nil
	}
	mv, err := run.RegisterModel(ctx, cfg.Tracking.RegisteredModel, cfg.Tracking.ArtifactPath)
	if err != nil {
		return err
	}
	res.ModelVersion = mv
	logger.Info("registered model", "name", mv.Name, "version", mv.Version, "source", mv.Source)
	return nil
}
