// Package tracking records training runs (parameters, metrics, artifacts and
// model registrations) with an experiment tracker.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status is the terminal state of a run.
type Status string

// Run states understood by MLflow.
const (
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusKilled   Status = "KILLED"
)

// ErrUnsupportedURI is returned by Open for schemes without a tracker.
var ErrUnsupportedURI = errors.New("unsupported tracking uri")

// Tracker starts runs inside named experiments, creating experiments on demand.
type Tracker interface {
	StartRun(ctx context.Context, experiment, runName string) (Run, error)
}

// Run is an active tracked run.
type Run interface {
	// ID returns the tracker's run identifier.
	ID() string
	LogParam(ctx context.Context, key, value string) error
	LogMetric(ctx context.Context, key string, value float64) error
	SetTag(ctx context.Context, key, value string) error
	// LogArtifact stores data as artifactPath/name under the run.
	LogArtifact(ctx context.Context, artifactPath, name string, data []byte) error
	// RegisterModel adds the artifacts under artifactPath as a new version of
	// the named model, creating the model when needed.
	RegisterModel(ctx context.Context, name, artifactPath string) (*ModelVersion, error)
	// End closes the run with the given status.
	End(ctx context.Context, status Status) error
}

// ModelVersion identifies one registered model version.
type ModelVersion struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Source  string `yaml:"source" json:"source"`
	RunID   string `yaml:"run_id" json:"run_id"`
}

// Open returns the tracker for uri: http(s) URLs talk to an MLflow server,
// file:// URLs and bare paths use a local directory store.
func Open(uri string, timeout time.Duration) (Tracker, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnsupportedURI)
	}
	if !strings.Contains(uri, "://") {
		return NewFileTracker(uri), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse tracking uri: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewMLflowTracker(uri, timeout), nil
	case "file":
		// file://mlruns names a relative directory, not a host.
		root := u.Path
		if u.Host != "" && u.Host != "localhost" {
			root = u.Host + u.Path
		}
		if root == "" {
			return nil, fmt.Errorf("%w: no directory in %s", ErrUnsupportedURI, uri)
		}
		return NewFileTracker(root), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
	}
}
