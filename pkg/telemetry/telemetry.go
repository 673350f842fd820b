// Package telemetry records batch-job metrics and pushes them to a Prometheus Pushgateway.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "fraudguard"

// Metrics holds the gauges of one pipeline invocation on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Rows counts rows per written or scored table.
	Rows *prometheus.GaugeVec
	// AUCROC is the last evaluated ranking metric.
	AUCROC prometheus.Gauge
	// StageDuration is the wall time of each pipeline stage.
	StageDuration *prometheus.GaugeVec
	// LastSuccess is the Unix time of the last successful stage.
	LastSuccess *prometheus.GaugeVec
}

// New registers the pipeline gauges on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Rows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rows",
				Help:      "Rows per table produced or consumed by the last run.",
			},
			[]string{"table"},
		),
		AUCROC: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auc_roc",
			Help:      "Area under the ROC curve of the last trained model on the mixed test set.",
		}),
		StageDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of the last run of each pipeline stage.",
			},
			[]string{"stage"},
		),
		LastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run of each pipeline stage.",
			},
			[]string{"stage"},
		),
	}

	m.registry.MustRegister(m.Rows, m.AUCROC, m.StageDuration, m.LastSuccess)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StageDone records a finished stage.
func (m *Metrics) StageDone(stage string, started time.Time) {
	now := time.Now()
	m.StageDuration.WithLabelValues(stage).Set(now.Sub(started).Seconds())
	m.LastSuccess.WithLabelValues(stage).Set(float64(now.Unix()))
}

// Push sends every gauge to the Pushgateway at url, grouped under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}
