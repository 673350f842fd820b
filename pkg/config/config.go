// Package config loads the explicit configuration passed to every pipeline entry point.
//
// Values are layered: built-in defaults, an optional YAML file, an optional
// .env file, FRAUDGUARD_* environment variables and finally CLI flags applied
// by the caller. The merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "FRAUDGUARD"

// File names written by the preprocessor inside Data.OutputDir.
const (
	TrainNormalFile = "X_train_normal.csv"
	TestMixedFile   = "X_test_mixed.csv"
	TestLabelsFile  = "y_test_mixed.csv"
	ManifestFile    = "manifest.json"
)

// Config is the root configuration.
type Config struct {
	Data       DataConfig       `yaml:"data" envconfig:"DATA"`
	Split      SplitConfig      `yaml:"split" envconfig:"SPLIT"`
	Model      ModelConfig      `yaml:"model" envconfig:"MODEL"`
	Tracking   TrackingConfig   `yaml:"tracking" envconfig:"TRACKING"`
	Monitoring MonitoringConfig `yaml:"monitoring" envconfig:"MONITORING"`
	Metrics    MetricsConfig    `yaml:"metrics" envconfig:"METRICS"`
	Log        LogConfig        `yaml:"log" envconfig:"LOG"`
}

// DataConfig locates the raw dataset and the processed artifacts.
type DataConfig struct {
	RawPath     string   `yaml:"raw_path" envconfig:"RAW_PATH" validate:"required"`
	OutputDir   string   `yaml:"output_dir" envconfig:"OUTPUT_DIR" validate:"required"`
	ScalerPath  string   `yaml:"scaler_path" envconfig:"SCALER_PATH" validate:"required"`
	LabelColumn string   `yaml:"label_column" envconfig:"LABEL_COLUMN" validate:"required"`
	DropColumns []string `yaml:"drop_columns" envconfig:"DROP_COLUMNS"`
}

// TrainNormalPath is the scaled normal-only training table.
func (d DataConfig) TrainNormalPath() string { return filepath.Join(d.OutputDir, TrainNormalFile) }

// TestMixedPath is the scaled mixed test table.
func (d DataConfig) TestMixedPath() string { return filepath.Join(d.OutputDir, TestMixedFile) }

// TestLabelsPath is the raw test label column.
func (d DataConfig) TestLabelsPath() string { return filepath.Join(d.OutputDir, TestLabelsFile) }

// ManifestPath is the digest manifest of the processed artifacts.
func (d DataConfig) ManifestPath() string { return filepath.Join(d.OutputDir, ManifestFile) }

// SplitConfig controls the stratified train/test split.
type SplitConfig struct {
	TestSize float64 `yaml:"test_size" envconfig:"TEST_SIZE" validate:"gt=0,lt=1"`
	Seed     int64   `yaml:"seed" envconfig:"SEED"`
}

// ModelConfig configures the isolation forest.
type ModelConfig struct {
	Trees         int     `yaml:"trees" envconfig:"TREES" validate:"min=1"`
	SampleSize    int     `yaml:"sample_size" envconfig:"SAMPLE_SIZE" validate:"min=1"`
	Contamination float64 `yaml:"contamination" envconfig:"CONTAMINATION" validate:"gt=0,lte=0.5"`
	Seed          int64   `yaml:"seed" envconfig:"SEED"`
	Workers       int     `yaml:"workers" envconfig:"WORKERS" validate:"min=0"`
	// Path is where the trainer keeps a local copy of the fitted forest for scoring.
	Path string `yaml:"path" envconfig:"LOCAL_PATH" validate:"required"`
}

// TrackingConfig points at the experiment tracker.
type TrackingConfig struct {
	URI             string        `yaml:"uri" envconfig:"URI" validate:"required"`
	Experiment      string        `yaml:"experiment" envconfig:"EXPERIMENT" validate:"required"`
	RunName         string        `yaml:"run_name" envconfig:"RUN_NAME"`
	RegisteredModel string        `yaml:"registered_model" envconfig:"REGISTERED_MODEL"`
	ArtifactPath    string        `yaml:"artifact_path" envconfig:"ARTIFACT_PATH" validate:"required"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
}

// MonitoringConfig locates the dashboard inputs.
type MonitoringConfig struct {
	LiveLog     string `yaml:"live_log" envconfig:"LIVE_LOG"`
	DriftReport string `yaml:"drift_report" envconfig:"DRIFT_REPORT"`
	Tail        int    `yaml:"tail" envconfig:"TAIL" validate:"min=0"`
	Window      int    `yaml:"window" envconfig:"WINDOW" validate:"min=1"`
}

// MetricsConfig configures the optional Pushgateway export.
type MetricsConfig struct {
	Pushgateway string `yaml:"pushgateway" envconfig:"PUSHGATEWAY" validate:"omitempty,url"`
	Job         string `yaml:"job" envconfig:"JOB" validate:"required"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" validate:"oneof=text json"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			RawPath:     "data/creditcard.csv",
			OutputDir:   "data/processed",
			ScalerPath:  "data/processed/scaler.json",
			LabelColumn: "Class",
			DropColumns: []string{"Time"},
		},
		Split: SplitConfig{
			TestSize: 0.2,
			Seed:     42,
		},
		Model: ModelConfig{
			Trees:         100,
			SampleSize:    256,
			Contamination: 0.0017,
			Seed:          42,
			Path:          "models/isolation_forest.gob",
		},
		Tracking: TrackingConfig{
			URI:             "http://127.0.0.1:5000",
			Experiment:      "IsolationForest_FraudDetection",
			RunName:         "IsolationForest_Run",
			RegisteredModel: "FraudDetector_IF",
			ArtifactPath:    "isolation_forest_model",
			Timeout:         30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			LiveLog:     "monitoring/live_data.csv",
			DriftReport: "monitoring/data_drift_report.html",
			Tail:        10,
			Window:      100,
		},
		Metrics: MetricsConfig{
			Job: "fraudguard",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (optional when
// empty), the given .env files (".env" when none are given; missing files are
// ignored) and FRAUDGUARD_* environment variables.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints. Call it again after applying flag overrides.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
