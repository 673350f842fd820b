// Package monitor summarizes the dashboard inputs: the live prediction log and
// the pre-rendered drift report.
package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/fraudguard/pkg/io/csv"
)

// FraudColumn is the binary flag column every live log must carry.
const FraudColumn = "is_fraud"

// ErrNoFraudColumn is returned when the live log lacks FraudColumn.
var ErrNoFraudColumn = errors.New("live log has no " + FraudColumn + " column")

// Feed summarizes the live prediction log.
type Feed struct {
	Available bool
	Columns   []string
	Total     int
	// Flagged counts fraud flags within the last Window rows.
	Flagged int
	Window  int
	// Recent holds the last rows, oldest first.
	Recent [][]string
}

// LoadFeed reads the log at path. A missing file yields an unavailable feed,
// not an error.
func LoadFeed(path string, tail, window int) (*Feed, error) {
	r, err := csv.NewReader(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Feed{Window: window}, nil
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	columns := r.Headers()
	flagIdx := -1
	for i, c := range columns {
		if c == FraudColumn {
			flagIdx = i
		}
	}
	if flagIdx < 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoFraudColumn)
	}

	records, err := r.Records()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	feed := &Feed{
		Available: true,
		Columns:   columns,
		Total:     len(records),
		Window:    window,
	}

	for i := max(0, len(records)-window); i < len(records); i++ {
		flag, err := parseFlag(records[i][flagIdx])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		if flag {
			feed.Flagged++
		}
	}

	feed.Recent = records[max(0, len(records)-tail):]
	return feed, nil
}

func parseFlag(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0, nil
	}
	return false, fmt.Errorf("%s value %q is not a flag", FraudColumn, s)
}

// Report describes the drift report document.
type Report struct {
	Path      string
	Available bool
	Size      int64
	ModTime   time.Time
}

// DriftReport stats the report at path. A missing report is not an error.
func DriftReport(path string) (*Report, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Report{Path: path}, nil
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("drift report %s is a directory", path)
	}
	return &Report{Path: path, Available: true, Size: info.Size(), ModTime: info.ModTime()}, nil
}
