package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hed1ad/fraudguard/pkg/config"
	"github.com/hed1ad/fraudguard/pkg/logging"
	"github.com/hed1ad/fraudguard/pkg/pipeline"
	"github.com/hed1ad/fraudguard/pkg/telemetry"
)

// app carries the state shared by all subcommands of one invocation.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	// push is set by stages whose metrics are worth exporting.
	push bool
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "fraudguard",
		Short:         "Isolation-forest fraud detection pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.push {
				pipeline.PushMetrics(cmd.Context(), a.cfg, a.metrics, a.logger)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file to load (default .env)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text, json")

	root.AddCommand(
		a.preprocessCmd(),
		a.trainCmd(),
		a.runCmd(),
		a.scoreCmd(),
		a.monitorCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	var envFiles []string
	if a.envFile != "" {
		envFiles = append(envFiles, a.envFile)
	}

	cfg, err := config.Load(a.configPath, envFiles...)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	a.metrics = telemetry.New()
	cmd.SetContext(logging.WithLogger(cmd.Context(), a.logger))
	return nil
}

// override applies changed flags to the loaded config and revalidates it.
func (a *app) override(cmd *cobra.Command, apply map[string]func()) error {
	for name, fn := range apply {
		if cmd.Flags().Changed(name) {
			fn()
		}
	}
	return a.cfg.Validate()
}
