package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/fraudguard/pkg/monitor"
	"github.com/hed1ad/fraudguard/pkg/pipeline"
	"github.com/hed1ad/fraudguard/pkg/tracking"
)

func (a *app) preprocessCmd() *cobra.Command {
	var (
		input     string
		outputDir string
		testSize  float64
		seed      int64
	)

	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Split and scale the raw transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.override(cmd, map[string]func(){
				"input":      func() { a.cfg.Data.RawPath = input },
				"output-dir": func() { a.cfg.Data.OutputDir = outputDir },
				"test-size":  func() { a.cfg.Split.TestSize = testSize },
				"seed":       func() { a.cfg.Split.Seed = seed },
			})
			if err != nil {
				return err
			}
			return a.preprocess(cmd)
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "raw transactions CSV")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory for the processed tables")
	cmd.Flags().Float64Var(&testSize, "test-size", 0, "held-out share of rows")
	cmd.Flags().Int64Var(&seed, "seed", 0, "split seed")
	return cmd
}

func (a *app) trainCmd() *cobra.Command {
	var t trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit, evaluate and record the isolation forest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.override(cmd, t.overrides(a)); err != nil {
				return err
			}
			return a.train(cmd)
		},
	}
	t.register(cmd)
	return cmd
}

func (a *app) runCmd() *cobra.Command {
	var t trainFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Preprocess, then train",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.override(cmd, t.overrides(a)); err != nil {
				return err
			}
			if err := a.preprocess(cmd); err != nil {
				return err
			}
			return a.train(cmd)
		},
	}
	t.register(cmd)
	return cmd
}

type trainFlags struct {
	trackingURI   string
	experiment    string
	contamination float64
	trees         int
	workers       int
	noRegister    bool
}

func (t *trainFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.trackingURI, "tracking-uri", "", "MLflow server URL or local directory")
	cmd.Flags().StringVar(&t.experiment, "experiment", "", "experiment name")
	cmd.Flags().Float64Var(&t.contamination, "contamination", 0, "expected share of outliers")
	cmd.Flags().IntVar(&t.trees, "trees", 0, "number of isolation trees")
	cmd.Flags().IntVar(&t.workers, "workers", 0, "tree-building workers (0 = all CPUs)")
	cmd.Flags().BoolVar(&t.noRegister, "no-register", false, "skip model registration")
}

func (t *trainFlags) overrides(a *app) map[string]func() {
	return map[string]func(){
		"tracking-uri":  func() { a.cfg.Tracking.URI = t.trackingURI },
		"experiment":    func() { a.cfg.Tracking.Experiment = t.experiment },
		"contamination": func() { a.cfg.Model.Contamination = t.contamination },
		"trees":         func() { a.cfg.Model.Trees = t.trees },
		"workers":       func() { a.cfg.Model.Workers = t.workers },
		"no-register": func() {
			if t.noRegister {
				a.cfg.Tracking.RegisteredModel = ""
			}
		},
	}
}

func (a *app) preprocess(cmd *cobra.Command) error {
	a.push = true
	res, err := pipeline.Preprocess(cmd.Context(), a.cfg, a.logger, pipeline.WithMetrics(a.metrics))
	if err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "preprocessed %d rows: %d normal training rows, %d test rows (%d fraud)\n",
		res.RawRows, res.NormalRows, res.TestRows, res.TestPositives)
	return nil
}

func (a *app) train(cmd *cobra.Command) error {
	a.push = true
	tracker, err := tracking.Open(a.cfg.Tracking.URI, a.cfg.Tracking.Timeout)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	res, err := pipeline.Train(cmd.Context(), a.cfg, tracker, a.logger, pipeline.WithMetrics(a.metrics))
	if res != nil {
		fmt.Fprintf(out, "AUC-ROC: %.6f\n", res.AUCROC)
	}
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	fmt.Fprintf(out, "run %s recorded in %q\n", res.RunID, a.cfg.Tracking.Experiment)
	if mv := res.ModelVersion; mv != nil {
		fmt.Fprintf(out, "registered %s version %s\n", mv.Name, mv.Version)
	}
	return nil
}

func (a *app) scoreCmd() *cobra.Command {
	var liveLog string
	cmd := &cobra.Command{
		Use:   "score <transactions.csv>",
		Short: "Score transactions into the live prediction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.override(cmd, map[string]func(){
				"live-log": func() { a.cfg.Monitoring.LiveLog = liveLog },
			})
			if err != nil {
				return err
			}

			a.push = true
			res, err := pipeline.Score(cmd.Context(), a.cfg, args[0], a.logger, pipeline.WithMetrics(a.metrics))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scored %d transactions, %d flagged, appended to %s\n", res.Rows, res.Flagged, res.LiveLog)
			return nil
		},
	}
	cmd.Flags().StringVar(&liveLog, "live-log", "", "live prediction log to append to")
	return cmd
}

func (a *app) monitorCmd() *cobra.Command {
	var tail, window int
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Summarize the live prediction log and the drift report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.override(cmd, map[string]func(){
				"tail":   func() { a.cfg.Monitoring.Tail = tail },
				"window": func() { a.cfg.Monitoring.Window = window },
			})
			if err != nil {
				return err
			}

			m := a.cfg.Monitoring
			feed, err := monitor.LoadFeed(m.LiveLog, m.Tail, m.Window)
			if err != nil {
				return err
			}
			report, err := monitor.DriftReport(m.DriftReport)
			if err != nil {
				return err
			}
			return printMonitor(cmd.OutOrStdout(), m.LiveLog, feed, report)
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "number of recent predictions to show")
	cmd.Flags().IntVar(&window, "window", 0, "rows counted for recent fraud flags")
	return cmd
}

func printMonitor(w io.Writer, liveLog string, feed *monitor.Feed, report *monitor.Report) error {
	if !feed.Available {
		fmt.Fprintf(w, "live log %s not found\n", liveLog)
	} else {
		fmt.Fprintf(w, "live log %s: %d predictions, %d flagged in the last %d\n",
			liveLog, feed.Total, feed.Flagged, feed.Window)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(feed.Columns, "\t"))
		for _, rec := range feed.Recent {
			fmt.Fprintln(tw, strings.Join(rec, "\t"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if !report.Available {
		fmt.Fprintf(w, "drift report %s not found\n", report.Path)
		return nil
	}
	fmt.Fprintf(w, "drift report %s: %d bytes, updated %s\n",
		report.Path, report.Size, report.ModTime.UTC().Format(time.RFC3339))
	return nil
}
