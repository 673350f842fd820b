// Package csv provides CSV file reading and writing for tabular data.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hed1ad/fraudguard/pkg/dataset"
)

// ErrMalformedRow is returned when a record cannot be parsed as numbers.
var ErrMalformedRow = errors.New("malformed row")

// Reader reads data from CSV files.
type Reader struct {
	file      *os.File
	reader    *csv.Reader
	hasHeader bool
	headers   []string

	mu        sync.Mutex
	streamErr error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// NewReader creates a new CSV reader.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:      file,
		reader:    csv.NewReader(file),
		hasHeader: true,
	}
	r.reader.ReuseRecord = false

	for _, opt := range opts {
		opt(r)
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			file.Close()
			if err == io.EOF {
				return nil, fmt.Errorf("%s: missing header row", filename)
			}
			return nil, err
		}
		for i, h := range headers {
			headers[i] = strings.TrimSpace(h)
		}
		r.headers = headers
	}

	return r, nil
}

// ReadFile opens filename, reads the whole numeric table and closes the file.
func ReadFile(filename string) (*dataset.Frame, error) {
	r, err := NewReader(filename)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return f, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns all remaining rows as a frame. Any unparsable value aborts the read.
func (r *Reader) Read() (*dataset.Frame, error) {
	var rows [][]float64

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row, err := r.parse(record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	columns := r.headers
	if columns == nil && len(rows) > 0 {
		columns = indexColumns(len(rows[0]))
	}
	return dataset.NewFrame(columns, rows)
}

// Records returns all remaining rows as raw strings, for non-numeric logs.
func (r *Reader) Records() ([][]string, error) {
	return r.reader.ReadAll()
}

// Stream returns a channel of rows for incremental processing. The channel
// closes at end of input, on cancellation or on the first malformed row; Err
// reports the latter.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	out := make(chan []float64, 100)

	go func() {
		defer close(out)
		for {
			record, err := r.reader.Read()
			if err == io.EOF {
				return
			}
			if err == nil {
				var row []float64
				row, err = r.parse(record)
				if err == nil {
					select {
					case out <- row:
						continue
					case <-ctx.Done():
						return
					}
				}
			}
			r.mu.Lock()
			r.streamErr = err
			r.mu.Unlock()
			return
		}
	}()

	return out, nil
}

// Err returns the error that stopped Stream, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamErr
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) parse(record []string) ([]float64, error) {
	line, _ := r.reader.FieldPos(0)
	row, err := parseRow(record)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", line, err)
	}
	if r.headers != nil && len(row) != len(r.headers) {
		return nil, fmt.Errorf("line %d: %d values for %d columns: %w", line, len(row), len(r.headers), ErrMalformedRow)
	}
	return row, nil
}

// parseRow converts string slice to float slice.
func parseRow(record []string) ([]float64, error) {
	if len(record) == 0 {
		return nil, fmt.Errorf("empty row: %w", ErrMalformedRow)
	}

	row := make([]float64, len(record))
	for i, val := range record {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d value %q: %w", i, val, ErrMalformedRow)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("column %d value %q is not finite: %w", i, val, ErrMalformedRow)
		}
		row[i] = f
	}
	return row, nil
}

func indexColumns(n int) []string {
	columns := make([]string, n)
	for i := range columns {
		columns[i] = strconv.Itoa(i)
	}
	return columns
}
