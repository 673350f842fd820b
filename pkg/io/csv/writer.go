package csv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hed1ad/fraudguard/pkg/artifact"
	"github.com/hed1ad/fraudguard/pkg/dataset"
	fgio "github.com/hed1ad/fraudguard/pkg/io"
)

// LiveLogColumns is the header of the live prediction log.
var LiveLogColumns = []string{"timestamp", "anomaly_score", "is_fraud"}

// Writer writes whole tables to a file, replacing it atomically.
type Writer struct {
	path string
}

var _ fgio.Writer = (*Writer)(nil)

// NewWriter creates a writer for path. Nothing is written until Write.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write stores f with a header row.
func (w *Writer) Write(f *dataset.Frame) error {
	file, err := artifact.Create(w.path)
	if err != nil {
		return err
	}
	if err := Encode(file, f); err != nil {
		file.Abort()
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	return file.Commit()
}

// Encode writes f to out with a header row. Values use the shortest exact
// representation.
func Encode(out io.Writer, f *dataset.Frame) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(f.Columns); err != nil {
		return err
	}

	record := make([]string, f.Width())
	for _, row := range f.Rows {
		for j, v := range row {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// Marshal returns f encoded as by Encode.
func Marshal(f *dataset.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile writes f to path.
func WriteFile(path string, f *dataset.Frame) error {
	return NewWriter(path).Write(f)
}

// AppendResults appends scored transactions to the live prediction log,
// writing the header first when the file is new or empty.
func AppendResults(path string, results []fgio.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	cw := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := cw.Write(LiveLogColumns); err != nil {
			return err
		}
	}

	for _, res := range results {
		fraud := "0"
		if res.IsFraud {
			fraud = "1"
		}
		record := []string{
			time.Unix(0, res.Timestamp).UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(res.Score, 'g', -1, 64),
			fraud,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return file.Sync()
}
