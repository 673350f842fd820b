package tracking

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMLflow records REST calls and answers like a tracking server started
// with --serve-artifacts.
type fakeMLflow struct {
	mu          sync.Mutex
	experiments map[string]string
	params      map[string]string
	metrics     map[string]float64
	tags        map[string]string
	artifacts   map[string][]byte
	models      map[string]int
	status      string
	failOn      string
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{
		experiments: make(map[string]string),
		params:      make(map[string]string),
		metrics:     make(map[string]float64),
		tags:        make(map[string]string),
		artifacts:   make(map[string][]byte),
		models:      make(map[string]int),
	}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failOn != "" && strings.HasSuffix(r.URL.Path, f.failOn) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error_code": "INTERNAL_ERROR", "message": "boom"})
		return
	}

	if strings.HasPrefix(r.URL.Path, artifactsPrefix+"/") {
		data, _ := io.ReadAll(r.Body)
		f.artifacts[strings.TrimPrefix(r.URL.Path, artifactsPrefix+"/")] = data
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	var body map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	str := func(k string) string { s, _ := body[k].(string); return s }

	switch strings.TrimPrefix(r.URL.Path, apiPrefix) {
	case "/experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error_code": codeNotFound, "message": "no such experiment"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"experiment": map[string]string{"experiment_id": id}})
	case "/experiments/create":
		id := "7"
		f.experiments[str("name")] = id
		writeJSON(w, http.StatusOK, map[string]string{"experiment_id": id})
	case "/runs/create":
		f.tags["run_name"] = str("run_name")
		writeJSON(w, http.StatusOK, map[string]any{"run": map[string]any{"info": map[string]string{
			"run_id":        "run-1",
			"experiment_id": str("experiment_id"),
			"artifact_uri":  "mlflow-artifacts:/" + str("experiment_id") + "/run-1/artifacts",
		}}})
	case "/runs/log-parameter":
		f.params[str("key")] = str("value")
		writeJSON(w, http.StatusOK, map[string]any{})
	case "/runs/log-metric":
		v, _ := body["value"].(float64)
		f.metrics[str("key")] = v
		writeJSON(w, http.StatusOK, map[string]any{})
	case "/runs/set-tag":
		f.tags[str("key")] = str("value")
		writeJSON(w, http.StatusOK, map[string]any{})
	case "/runs/update":
		f.status = str("status")
		writeJSON(w, http.StatusOK, map[string]any{})
	case "/registered-models/create":
		if _, ok := f.models[str("name")]; ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error_code": codeAlreadyExists, "message": "exists"})
			return
		}
		f.models[str("name")] = 0
		writeJSON(w, http.StatusOK, map[string]any{})
	case "/model-versions/create":
		f.models[str("name")]++
		writeJSON(w, http.StatusOK, map[string]any{"model_version": map[string]string{
			"name":    str("name"),
			"version": strconv.Itoa(f.models[str("name")]),
			"source":  str("source"),
			"run_id":  str("run_id"),
		}})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestMLflowRun(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	tracker := NewMLflowTracker(srv.URL+"/", 5*time.Second)

	run, err := tracker.StartRun(ctx, "IsolationForest_FraudDetection", "IsolationForest_Run")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID())

	require.NoError(t, run.LogParam(ctx, "contamination", "0.0017"))
	require.NoError(t, run.LogMetric(ctx, "AUC_ROC", 0.91))
	require.NoError(t, run.SetTag(ctx, "data_digest", "abc"))
	require.NoError(t, run.LogArtifact(ctx, "isolation_forest_model", "model.gob", []byte("model")))

	mv, err := run.RegisterModel(ctx, "FraudDetector_IF", "isolation_forest_model")
	require.NoError(t, err)
	assert.Equal(t, "1", mv.Version)
	assert.Equal(t, "mlflow-artifacts:/7/run-1/artifacts/isolation_forest_model", mv.Source)

	mv, err = run.RegisterModel(ctx, "FraudDetector_IF", "isolation_forest_model")
	require.NoError(t, err, "existing registered model is reused")
	assert.Equal(t, "2", mv.Version)

	require.NoError(t, run.End(ctx, StatusFinished))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "7", fake.experiments["IsolationForest_FraudDetection"])
	assert.Equal(t, "0.0017", fake.params["contamination"])
	assert.Equal(t, 0.91, fake.metrics["AUC_ROC"])
	assert.Equal(t, "abc", fake.tags["data_digest"])
	assert.Equal(t, "IsolationForest_Run", fake.tags["run_name"])
	assert.Equal(t, []byte("model"), fake.artifacts["7/run-1/artifacts/isolation_forest_model/model.gob"])
	assert.Equal(t, "FINISHED", fake.status)
}

func TestMLflowExistingExperiment(t *testing.T) {
	fake := newFakeMLflow()
	fake.experiments["existing"] = "3"
	srv := httptest.NewServer(fake)
	defer srv.Close()

	run, err := NewMLflowTracker(srv.URL, time.Second).StartRun(context.Background(), "existing", "")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.experiments, 1)
}

func TestMLflowErrors(t *testing.T) {
	t.Run("api error surfaces code", func(t *testing.T) {
		fake := newFakeMLflow()
		fake.failOn = "/runs/log-metric"
		srv := httptest.NewServer(fake)
		defer srv.Close()

		ctx := context.Background()
		run, err := NewMLflowTracker(srv.URL, time.Second).StartRun(ctx, "exp", "run")
		require.NoError(t, err)

		err = run.LogMetric(ctx, "AUC_ROC", 0.5)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.Equal(t, "INTERNAL_ERROR", apiErr.Code)
	})

	t.Run("unreachable server", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewMLflowTracker(url, time.Second).StartRun(context.Background(), "exp", "run")
		assert.Error(t, err)
	})

	t.Run("local artifact store", func(t *testing.T) {
		run := &mlflowRun{tracker: NewMLflowTracker("http://127.0.0.1:1", time.Second), id: "r", artifactURI: "/mlruns/0/r/artifacts"}
		err := run.LogArtifact(context.Background(), "model", "model.gob", nil)
		assert.ErrorIs(t, err, ErrArtifactStore)
	})
}

func TestFileTracker(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	tracker := NewFileTracker(root)

	run, err := tracker.StartRun(ctx, "fraud", "IsolationForest_Run")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID())

	require.NoError(t, run.LogParam(ctx, "model_type", "IsolationForest"))
	require.NoError(t, run.LogMetric(ctx, "AUC_ROC", 0.87))
	require.NoError(t, run.SetTag(ctx, "data_digest", "d1"))
	require.NoError(t, run.LogArtifact(ctx, "isolation_forest_model", "model.gob", []byte{1, 2, 3}))

	mv, err := run.RegisterModel(ctx, "FraudDetector_IF", "isolation_forest_model")
	require.NoError(t, err)
	assert.Equal(t, "1", mv.Version)
	assert.Equal(t, run.ID(), mv.RunID)

	_, err = run.RegisterModel(ctx, "FraudDetector_IF", "missing_path")
	assert.Error(t, err)

	require.NoError(t, run.End(ctx, StatusFinished))

	rec, err := tracker.LoadRun("fraud", run.ID())
	require.NoError(t, err)
	assert.Equal(t, "IsolationForest", rec.Params["model_type"])
	assert.Equal(t, 0.87, rec.Metrics["AUC_ROC"])
	assert.Equal(t, "d1", rec.Tags["data_digest"])
	assert.Equal(t, "FINISHED", rec.Status)
	require.NotNil(t, rec.EndTime)

	data, err := os.ReadFile(filepath.Join(mv.Source, "model.gob"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	second, err := tracker.StartRun(ctx, "fraud", "again")
	require.NoError(t, err)
	assert.NotEqual(t, run.ID(), second.ID())
	require.NoError(t, second.LogArtifact(ctx, "isolation_forest_model", "model.gob", []byte{4}))
	mv2, err := second.RegisterModel(ctx, "FraudDetector_IF", "isolation_forest_model")
	require.NoError(t, err)
	assert.Equal(t, "2", mv2.Version)

	versions, err := tracker.ModelVersions("FraudDetector_IF")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, second.ID(), versions[1].RunID)
}

func TestOpen(t *testing.T) {
	tests := []struct {
		uri      string
		wantType any
		wantErr  bool
	}{
		{uri: "http://127.0.0.1:5000", wantType: &MLflowTracker{}},
		{uri: "https://mlflow.example.com", wantType: &MLflowTracker{}},
		{uri: "file:///tmp/mlruns", wantType: &FileTracker{}},
		{uri: "mlruns", wantType: &FileTracker{}},
		{uri: "s3://bucket/mlruns", wantErr: true},
		{uri: "", wantErr: true},
		{uri: "file://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			tracker, err := Open(tt.uri, time.Second)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedURI)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, tracker)
		})
	}

	roots := map[string]string{
		"file:///tmp/mlruns":          "/tmp/mlruns",
		"file://localhost/tmp/mlruns": "/tmp/mlruns",
		"file://mlruns":               "mlruns",
		"file://runs/local":           "runs/local",
	}
	for uri, want := range roots {
		tracker, err := Open(uri, time.Second)
		require.NoError(t, err, uri)
		assert.Equal(t, want, tracker.(*FileTracker).root, uri)
	}
}
