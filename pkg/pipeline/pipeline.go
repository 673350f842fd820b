// Package pipeline runs the batch stages of the fraud detector: preprocessing
// the raw transactions, training and evaluating the isolation forest, and
// scoring new transactions into the live prediction log.
//
// Each stage reads its inputs fresh, aborts on the first error and replaces
// its outputs atomically.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hed1ad/fraudguard/pkg/config"
	"github.com/hed1ad/fraudguard/pkg/logging"
	"github.com/hed1ad/fraudguard/pkg/telemetry"
)

// Stage names used in logs and metrics.
const (
	StagePreprocess = "preprocess"
	StageTrain      = "train"
	StageScore      = "score"
)

// Manifest entry for the scaler; tables use their file names.
const scalerEntry = "scaler.json"

// ErrSchemaMismatch is returned when processed tables disagree on shape.
var ErrSchemaMismatch = errors.New("processed tables do not match")

// Option configures a stage.
type Option func(*options)

type options struct {
	metrics *telemetry.Metrics
}

// WithMetrics records row counts, durations and the evaluation metric on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = telemetry.New()
	}
	return o
}

// stageLogger falls back to the context logger when logger is nil.
func stageLogger(ctx context.Context, logger *slog.Logger, stage string) *slog.Logger {
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	return logger.With("stage", stage)
}

// PushMetrics sends m to the configured Pushgateway. Nothing happens when none
// is configured; a failed push is logged and never fails the run.
func PushMetrics(ctx context.Context, cfg *config.Config, m *telemetry.Metrics, logger *slog.Logger) {
	if cfg.Metrics.Pushgateway == "" {
		return
	}
	if err := m.Push(ctx, cfg.Metrics.Pushgateway, cfg.Metrics.Job); err != nil {
		logger.Warn("failed to push metrics", "pushgateway", cfg.Metrics.Pushgateway, "error", err)
		return
	}
	logger.Debug("pushed metrics", "pushgateway", cfg.Metrics.Pushgateway, "job", cfg.Metrics.Job)
}
