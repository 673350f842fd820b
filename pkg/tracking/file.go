package tracking

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/fraudguard/pkg/artifact"
)

const runFile = "run.yaml"

// FileTracker stores runs under a local directory:
//
//	<root>/<experiment>/<run-id>/run.yaml
//	<root>/<experiment>/<run-id>/artifacts/...
//	<root>/models/<name>/version-<n>.yaml
type FileTracker struct {
	root string
	mu   sync.Mutex
}

// NewFileTracker creates a tracker rooted at dir. The directory is created on first use.
func NewFileTracker(dir string) *FileTracker {
	return &FileTracker{root: dir}
}

// RunRecord is the persisted state of a run.
type RunRecord struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name,omitempty"`
	Experiment string             `yaml:"experiment"`
	Status     string             `yaml:"status"`
	StartTime  time.Time          `yaml:"start_time"`
	EndTime    *time.Time         `yaml:"end_time,omitempty"`
	Params     map[string]string  `yaml:"params"`
	Metrics    map[string]float64 `yaml:"metrics"`
	Tags       map[string]string  `yaml:"tags"`
}

// StartRun creates a run directory with a fresh UUID.
func (t *FileTracker) StartRun(ctx context.Context, experiment, runName string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	run := &fileRun{
		tracker: t,
		dir:     filepath.Join(t.root, experiment, id),
		record: RunRecord{
			ID:         id,
			Name:       runName,
			Experiment: experiment,
			Status:     "RUNNING",
			StartTime:  time.Now().UTC(),
			Params:     make(map[string]string),
			Metrics:    make(map[string]float64),
			Tags:       make(map[string]string),
		},
	}

	if err := run.flush(); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// LoadRun reads a run written by this tracker.
func (t *FileTracker) LoadRun(experiment, runID string) (*RunRecord, error) {
	data, err := os.ReadFile(filepath.Join(t.root, experiment, runID, runFile))
	if err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &rec, nil
}

// ModelVersions lists the registered versions of name, oldest first.
func (t *FileTracker) ModelVersions(name string) ([]ModelVersion, error) {
	var versions []ModelVersion
	for n := 1; ; n++ {
		data, err := os.ReadFile(t.versionPath(name, n))
		if errors.Is(err, fs.ErrNotExist) {
			return versions, nil
		}
		if err != nil {
			return nil, err
		}
		var mv ModelVersion
		if err := yaml.Unmarshal(data, &mv); err != nil {
			return nil, fmt.Errorf("decode model version %d of %q: %w", n, name, err)
		}
		versions = append(versions, mv)
	}
}

func (t *FileTracker) versionPath(name string, n int) string {
	return filepath.Join(t.root, "models", name, "version-"+strconv.Itoa(n)+".yaml")
}

func (t *FileTracker) register(name, source, runID string) (*ModelVersion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 1
	for {
		_, err := os.Stat(t.versionPath(name, n))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, err
		}
		n++
	}

	mv := &ModelVersion{Name: name, Version: strconv.Itoa(n), Source: source, RunID: runID}
	data, err := yaml.Marshal(mv)
	if err != nil {
		return nil, err
	}
	if err := artifact.WriteFile(t.versionPath(name, n), data); err != nil {
		return nil, err
	}
	return mv, nil
}

type fileRun struct {
	tracker *FileTracker
	dir     string

	mu     sync.Mutex
	record RunRecord
}

func (r *fileRun) ID() string { return r.record.ID }

func (r *fileRun) update(ctx context.Context, fn func(*RunRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.record)
	return r.flushLocked()
}

func (r *fileRun) flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *fileRun) flushLocked() error {
	data, err := yaml.Marshal(&r.record)
	if err != nil {
		return err
	}
	return artifact.WriteFile(filepath.Join(r.dir, runFile), data)
}

func (r *fileRun) LogParam(ctx context.Context, key, value string) error {
	return r.update(ctx, func(rec *RunRecord) { rec.Params[key] = value })
}

func (r *fileRun) LogMetric(ctx context.Context, key string, value float64) error {
	return r.update(ctx, func(rec *RunRecord) { rec.Metrics[key] = value })
}

func (r *fileRun) SetTag(ctx context.Context, key, value string) error {
	return r.update(ctx, func(rec *RunRecord) { rec.Tags[key] = value })
}

func (r *fileRun) LogArtifact(ctx context.Context, artifactPath, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return artifact.WriteFile(filepath.Join(r.dir, "artifacts", artifactPath, name), data)
}

func (r *fileRun) RegisterModel(ctx context.Context, name, artifactPath string) (*ModelVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source := filepath.Join(r.dir, "artifacts", artifactPath)
	if _, err := os.Stat(source); err != nil {
		return nil, fmt.Errorf("register %q: %w", name, err)
	}
	return r.tracker.register(name, source, r.record.ID)
}

func (r *fileRun) End(ctx context.Context, status Status) error {
	return r.update(ctx, func(rec *RunRecord) {
		now := time.Now().UTC()
		rec.Status = string(status)
		rec.EndTime = &now
	})
}
