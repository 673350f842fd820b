package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	apiPrefix       = "/api/2.0/mlflow"
	artifactsPrefix = "/api/2.0/mlflow-artifacts/artifacts"
	proxyScheme     = "mlflow-artifacts:"

	codeNotFound      = "RESOURCE_DOES_NOT_EXIST"
	codeAlreadyExists = "RESOURCE_ALREADY_EXISTS"
)

// ErrArtifactStore is returned when the run's artifact URI is not served by
// the tracking server's artifact proxy.
var ErrArtifactStore = errors.New("artifact store not reachable through tracking server")

// APIError is a non-2xx response from the MLflow REST API.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("mlflow: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mlflow: %s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
}

func isCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// MLflowTracker talks to an MLflow tracking server over its REST API.
type MLflowTracker struct {
	baseURL string
	client  *http.Client
}

// NewMLflowTracker creates a client for the server at baseURL.
func NewMLflowTracker(baseURL string, timeout time.Duration) *MLflowTracker {
	return &MLflowTracker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// StartRun resolves or creates the experiment and opens a run in it.
func (t *MLflowTracker) StartRun(ctx context.Context, experiment, runName string) (Run, error) {
	expID, err := t.experimentID(ctx, experiment)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"experiment_id": expID,
		"start_time":    time.Now().UnixMilli(),
	}
	if runName != "" {
		req["run_name"] = runName
		req["tags"] = []map[string]string{{"key": "mlflow.runName", "value": runName}}
	}

	var resp struct {
		Run struct {
			Info struct {
				RunID        string `json:"run_id"`
				ExperimentID string `json:"experiment_id"`
				ArtifactURI  string `json:"artifact_uri"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := t.call(ctx, http.MethodPost, "/runs/create", req, &resp); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	return &mlflowRun{
		tracker:     t,
		id:          resp.Run.Info.RunID,
		artifactURI: resp.Run.Info.ArtifactURI,
	}, nil
}

func (t *MLflowTracker) experimentID(ctx context.Context, name string) (string, error) {
	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := t.call(ctx, http.MethodGet, "/experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &got)
	if err == nil {
		return got.Experiment.ExperimentID, nil
	}
	if !isCode(err, codeNotFound) {
		return "", fmt.Errorf("get experiment %q: %w", name, err)
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := t.call(ctx, http.MethodPost, "/experiments/create", map[string]string{"name": name}, &created); err != nil {
		return "", fmt.Errorf("create experiment %q: %w", name, err)
	}
	return created.ExperimentID, nil
}

func (t *MLflowTracker) call(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+apiPrefix+endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return t.do(req, out)
}

func (t *MLflowTracker) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

type mlflowRun struct {
	tracker     *MLflowTracker
	id          string
	artifactURI string
}

func (r *mlflowRun) ID() string { return r.id }

func (r *mlflowRun) LogParam(ctx context.Context, key, value string) error {
	err := r.tracker.call(ctx, http.MethodPost, "/runs/log-parameter", map[string]string{
		"run_id": r.id,
		"key":    key,
		"value":  value,
	}, nil)
	if err != nil {
		return fmt.Errorf("log param %s: %w", key, err)
	}
	return nil
}

func (r *mlflowRun) LogMetric(ctx context.Context, key string, value float64) error {
	err := r.tracker.call(ctx, http.MethodPost, "/runs/log-metric", map[string]any{
		"run_id":    r.id,
		"key":       key,
		"value":     value,
		"timestamp": time.Now().UnixMilli(),
		"step":      0,
	}, nil)
	if err != nil {
		return fmt.Errorf("log metric %s: %w", key, err)
	}
	return nil
}

func (r *mlflowRun) SetTag(ctx context.Context, key, value string) error {
	err := r.tracker.call(ctx, http.MethodPost, "/runs/set-tag", map[string]string{
		"run_id": r.id,
		"key":    key,
		"value":  value,
	}, nil)
	if err != nil {
		return fmt.Errorf("set tag %s: %w", key, err)
	}
	return nil
}

// LogArtifact uploads through the server's mlflow-artifacts proxy.
func (r *mlflowRun) LogArtifact(ctx context.Context, artifactPath, name string, data []byte) error {
	if !strings.HasPrefix(r.artifactURI, proxyScheme) {
		return fmt.Errorf("%w: %s", ErrArtifactStore, r.artifactURI)
	}

	root := strings.TrimLeft(strings.TrimPrefix(r.artifactURI, proxyScheme), "/")
	target := path.Join(root, artifactPath, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		r.tracker.baseURL+artifactsPrefix+"/"+escapePath(target), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	if err := r.tracker.do(req, nil); err != nil {
		return fmt.Errorf("upload artifact %s: %w", path.Join(artifactPath, name), err)
	}
	return nil
}

func (r *mlflowRun) RegisterModel(ctx context.Context, name, artifactPath string) (*ModelVersion, error) {
	err := r.tracker.call(ctx, http.MethodPost, "/registered-models/create", map[string]string{"name": name}, nil)
	if err != nil && !isCode(err, codeAlreadyExists) {
		return nil, fmt.Errorf("create registered model %q: %w", name, err)
	}

	source := strings.TrimRight(r.artifactURI, "/") + "/" + artifactPath
	var resp struct {
		ModelVersion struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			Source  string `json:"source"`
			RunID   string `json:"run_id"`
		} `json:"model_version"`
	}
	err = r.tracker.call(ctx, http.MethodPost, "/model-versions/create", map[string]string{
		"name":   name,
		"source": source,
		"run_id": r.id,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create model version of %q: %w", name, err)
	}

	mv := resp.ModelVersion
	return &ModelVersion{Name: mv.Name, Version: mv.Version, Source: mv.Source, RunID: mv.RunID}, nil
}

func (r *mlflowRun) End(ctx context.Context, status Status) error {
	err := r.tracker.call(ctx, http.MethodPost, "/runs/update", map[string]any{
		"run_id":   r.id,
		"status":   string(status),
		"end_time": time.Now().UnixMilli(),
	}, nil)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
