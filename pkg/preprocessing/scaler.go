// Package preprocessing provides feature transforms fitted on training data.
package preprocessing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/fraudguard/pkg/artifact"
	"github.com/hed1ad/fraudguard/pkg/dataset"
)

var (
	// ErrNotFitted is returned when transforming with an unfitted scaler.
	ErrNotFitted = errors.New("scaler not fitted")
	// ErrEmptyInput is returned when fitting on zero rows.
	ErrEmptyInput = errors.New("empty input")
	// ErrFeatureMismatch is returned when a frame's columns differ from the fitted ones.
	ErrFeatureMismatch = errors.New("feature columns do not match fitted scaler")
)

// StandardScaler standardizes each feature to zero mean and unit variance.
// Statistics use the population standard deviation; constant features keep a
// scale of 1 so they map to 0 instead of NaN.
type StandardScaler struct {
	FeatureNames []string  `json:"feature_names"`
	Mean         []float64 `json:"mean"`
	Scale        []float64 `json:"scale"`
	NSamplesSeen int       `json:"n_samples_seen"`
}

// Fit learns per-feature mean and standard deviation from f.
func (s *StandardScaler) Fit(f *dataset.Frame) error {
	if f.Len() == 0 {
		return ErrEmptyInput
	}

	width := f.Width()
	mean := make([]float64, width)
	scale := make([]float64, width)
	col := make([]float64, f.Len())
	for j := 0; j < width; j++ {
		for i, row := range f.Rows {
			col[i] = row[j]
		}
		m, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		mean[j] = m
		scale[j] = std
	}

	s.FeatureNames = append([]string(nil), f.Columns...)
	s.Mean = mean
	s.Scale = scale
	s.NSamplesSeen = f.Len()
	return nil
}

// Transform returns a standardized copy of f.
func (s *StandardScaler) Transform(f *dataset.Frame) (*dataset.Frame, error) {
	if s.Mean == nil {
		return nil, ErrNotFitted
	}
	if err := s.checkColumns(f.Columns); err != nil {
		return nil, err
	}

	rows := make([][]float64, f.Len())
	for i, row := range f.Rows {
		rows[i] = s.TransformRow(row)
	}
	return &dataset.Frame{Columns: append([]string(nil), f.Columns...), Rows: rows}, nil
}

// TransformRow standardizes a single feature vector of the fitted width.
func (s *StandardScaler) TransformRow(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// FitTransform fits on f and returns its standardized copy.
func (s *StandardScaler) FitTransform(f *dataset.Frame) (*dataset.Frame, error) {
	if err := s.Fit(f); err != nil {
		return nil, err
	}
	return s.Transform(f)
}

func (s *StandardScaler) checkColumns(columns []string) error {
	if len(columns) != len(s.FeatureNames) {
		return fmt.Errorf("%d columns, fitted on %d: %w", len(columns), len(s.FeatureNames), ErrFeatureMismatch)
	}
	for i, c := range columns {
		if c != s.FeatureNames[i] {
			return fmt.Errorf("column %d is %q, fitted on %q: %w", i, c, s.FeatureNames[i], ErrFeatureMismatch)
		}
	}
	return nil
}

// Encode returns the fitted parameters as indented JSON.
func (s *StandardScaler) Encode() ([]byte, error) {
	if s.Mean == nil {
		return nil, ErrNotFitted
	}
	return json.MarshalIndent(s, "", "  ")
}

// Save writes the fitted parameters as JSON, replacing any previous file.
func (s *StandardScaler) Save(path string) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	return artifact.WriteFile(path, data)
}

// LoadScaler reads parameters written by Save.
func LoadScaler(path string) (*StandardScaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s StandardScaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode scaler %s: %w", path, err)
	}
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Scale) || len(s.Mean) != len(s.FeatureNames) {
		return nil, fmt.Errorf("scaler %s: inconsistent parameters", path)
	}
	return &s, nil
}
