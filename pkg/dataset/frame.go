// Package dataset holds labeled numeric tables and the splits derived from them.
package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingColumn is returned when a named column is absent.
	ErrMissingColumn = errors.New("missing column")
	// ErrInvalidLabel is returned when a label is neither 0 nor 1.
	ErrInvalidLabel = errors.New("label must be 0 or 1")
	// ErrRaggedRow is returned when a row width differs from the header.
	ErrRaggedRow = errors.New("row width does not match columns")
)

// Frame is a table of float64 values with named columns.
type Frame struct {
	Columns []string
	Rows    [][]float64
}

// NewFrame validates that every row has one value per column.
func NewFrame(columns []string, rows [][]float64) (*Frame, error) {
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d: %w", i, len(row), len(columns), ErrRaggedRow)
		}
	}
	return &Frame{Columns: columns, Rows: rows}, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// Width returns the number of columns.
func (f *Frame) Width() int { return len(f.Columns) }

// Index returns the position of column name, or -1.
func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named column.
func (f *Frame) Column(name string) ([]float64, error) {
	idx := f.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrMissingColumn)
	}
	out := make([]float64, len(f.Rows))
	for i, row := range f.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// Drop returns a new frame without the named columns. Every name must exist.
func (f *Frame) Drop(names ...string) (*Frame, error) {
	drop := make(map[int]bool, len(names))
	for _, name := range names {
		idx := f.Index(name)
		if idx < 0 {
			return nil, fmt.Errorf("drop %q: %w", name, ErrMissingColumn)
		}
		drop[idx] = true
	}

	keep := make([]int, 0, len(f.Columns)-len(drop))
	columns := make([]string, 0, len(f.Columns)-len(drop))
	for i, c := range f.Columns {
		if !drop[i] {
			keep = append(keep, i)
			columns = append(columns, c)
		}
	}

	rows := make([][]float64, len(f.Rows))
	for i, row := range f.Rows {
		out := make([]float64, len(keep))
		for j, idx := range keep {
			out[j] = row[idx]
		}
		rows[i] = out
	}

	return &Frame{Columns: columns, Rows: rows}, nil
}

// SplitLabel separates the binary label column from the features.
func (f *Frame) SplitLabel(name string) (*Frame, []float64, error) {
	labels, err := f.Column(name)
	if err != nil {
		return nil, nil, err
	}
	for i, y := range labels {
		if y != 0 && y != 1 {
			return nil, nil, fmt.Errorf("row %d label %v: %w", i, y, ErrInvalidLabel)
		}
	}

	features, err := f.Drop(name)
	if err != nil {
		return nil, nil, err
	}
	return features, labels, nil
}

// Take returns the rows at the given indices, in order. Rows are shared, not copied.
func (f *Frame) Take(indices []int) *Frame {
	rows := make([][]float64, len(indices))
	for i, idx := range indices {
		rows[i] = f.Rows[idx]
	}
	return &Frame{Columns: f.Columns, Rows: rows}
}

// LabelFrame wraps a label vector as a single-column frame.
func LabelFrame(name string, labels []float64) *Frame {
	rows := make([][]float64, len(labels))
	for i, y := range labels {
		rows[i] = []float64{y}
	}
	return &Frame{Columns: []string{name}, Rows: rows}
}

// PositiveRate returns the share of labels equal to 1.
func PositiveRate(labels []float64) float64 {
	if len(labels) == 0 {
		return 0
	}
	var pos int
	for _, y := range labels {
		if y == 1 {
			pos++
		}
	}
	return float64(pos) / float64(len(labels))
}
