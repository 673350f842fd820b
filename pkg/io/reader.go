// Package io provides input/output contracts for tabular transaction data.
package io

import (
	"context"

	"github.com/hed1ad/fraudguard/pkg/dataset"
)

// Reader is the interface for reading numeric tables from various sources.
type Reader interface {
	// Read returns the complete table.
	Read() (*dataset.Frame, error)

	// Stream returns a channel of rows for incremental scoring.
	Stream(ctx context.Context) (<-chan []float64, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for persisting numeric tables.
type Writer interface {
	// Write stores the complete table.
	Write(f *dataset.Frame) error
}

// Result is one scored transaction as appended to the live prediction log.
type Result struct {
	Timestamp int64     `json:"timestamp"`
	Score     float64   `json:"anomaly_score"`
	IsFraud   bool      `json:"is_fraud"`
	Features  []float64 `json:"features,omitempty"`
}
