package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWorkspace(t *testing.T) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()

	rng := rand.New(rand.NewSource(3))
	var b strings.Builder
	b.WriteString("Time,V1,V2,Class\n")
	for i := 0; i < 500; i++ {
		class, v1, v2 := 0, rng.NormFloat64(), rng.NormFloat64()
		if i%100 == 0 {
			class, v1, v2 = 1, 8+rng.NormFloat64()*0.2, 8+rng.NormFloat64()*0.2
		}
		fmt.Fprintf(&b, "%d,%g,%g,%d\n", i, v1, v2, class)
	}
	raw := filepath.Join(dir, "creditcard.csv")
	require.NoError(t, os.WriteFile(raw, []byte(b.String()), 0o644))

	configPath = filepath.Join(dir, "fraudguard.yaml")
	content := fmt.Sprintf(`
data:
  raw_path: %[1]s/creditcard.csv
  output_dir: %[1]s/processed
  scaler_path: %[1]s/processed/scaler.json
model:
  trees: 30
  contamination: 0.01
  path: %[1]s/models/forest.gob
tracking:
  uri: %[1]s/mlruns
monitoring:
  live_log: %[1]s/monitoring/live_data.csv
  drift_report: %[1]s/monitoring/data_drift_report.html
  tail: 3
`, dir)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return dir, configPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunScoreMonitor(t *testing.T) {
	dir, configPath := setupWorkspace(t)

	out, err := execute(t, "--config", configPath, "--log-level", "error", "run")
	require.NoError(t, err)
	assert.Contains(t, out, "preprocessed 500 rows")
	assert.Contains(t, out, "AUC-ROC:")
	assert.Contains(t, out, "registered FraudDetector_IF version 1")

	out, err = execute(t, "--config", configPath, "--log-level", "error", "monitor")
	require.NoError(t, err)
	assert.Contains(t, out, "not found")

	out, err = execute(t, "--config", configPath, "--log-level", "error", "score", filepath.Join(dir, "creditcard.csv"))
	require.NoError(t, err)
	assert.Contains(t, out, "scored 500 transactions")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "monitoring", "data_drift_report.html"), []byte("<html/>"), 0o644))

	out, err = execute(t, "--config", configPath, "--log-level", "error", "monitor", "--window", "500")
	require.NoError(t, err)
	assert.Contains(t, out, "500 predictions")
	assert.Contains(t, out, "in the last 500")
	assert.Contains(t, out, "anomaly_score")
	assert.Contains(t, out, "drift report")
	assert.Contains(t, out, "7 bytes")
}

func TestTrainFlagsOverrideConfig(t *testing.T) {
	dir, configPath := setupWorkspace(t)

	_, err := execute(t, "--config", configPath, "--log-level", "error", "preprocess", "--seed", "11")
	require.NoError(t, err)

	out, err := execute(t, "--config", configPath, "--log-level", "error",
		"train", "--no-register", "--experiment", "cli-test", "--trees", "20")
	require.NoError(t, err)
	assert.Contains(t, out, `recorded in "cli-test"`)
	assert.NotContains(t, out, "registered")
	assert.DirExists(t, filepath.Join(dir, "mlruns", "cli-test"))
}

func TestInvalidOverrides(t *testing.T) {
	_, configPath := setupWorkspace(t)

	_, err := execute(t, "--config", configPath, "train", "--contamination", "0.9")
	assert.ErrorContains(t, err, "validation")

	_, err = execute(t, "--config", configPath, "--log-level", "loud", "monitor")
	assert.ErrorContains(t, err, "validation")

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "monitor")
	assert.Error(t, err)

	_, err = execute(t, "--config", configPath, "score")
	assert.Error(t, err, "input file required")
}
