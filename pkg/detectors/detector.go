// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

import (
	"context"
	"errors"
)

var (
	// ErrNotTrained is returned when scoring with an unfitted detector.
	ErrNotTrained = errors.New("model not trained")
	// ErrEmptyData is returned when fitting on zero rows.
	ErrEmptyData = errors.New("empty training data")
	// ErrFeatureCount is returned when a sample width differs from the fitted width.
	ErrFeatureCount = errors.New("feature count mismatch")
)

// Detector is the common interface for all anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on data where each row is a sample and each
	// column is a feature.
	Fit(data [][]float64) error

	// DecisionFunction returns the model's native separation measure:
	// lower values are more anomalous and negative values are outliers.
	DecisionFunction(data [][]float64) ([]float64, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// StreamDetector extends Detector with streaming capabilities.
type StreamDetector interface {
	Detector

	// PredictStream scores samples from a channel until it closes or ctx ends.
	PredictStream(ctx context.Context, input <-chan []float64, output chan<- Score) error
}

// Score represents an anomaly detection result.
type Score struct {
	// Value is the anomaly score; higher is more anomalous.
	Value float64
	// IsAnomaly indicates the sample falls outside the fitted decision boundary.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
}

// AnomalyScores negates the detector's decision function so that a higher
// score always means "more anomalous".
func AnomalyScores(d Detector, data [][]float64) ([]float64, error) {
	decision, err := d.DecisionFunction(data)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(decision))
	for i, v := range decision {
		scores[i] = -v
	}
	return scores, nil
}
