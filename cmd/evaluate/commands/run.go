package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rootscope/internal/harness"
	"rootscope/internal/report"
)

type runFlags struct {
	suite      string
	output     string
	format     string
	concurrent bool
	reason     bool
	noise      []float64
	trials     int
	seed       int64
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an experiment suite and print the accuracy report",
		Example: `  evaluate run --suite suite.yaml
  evaluate run --suite suite.yaml --simulate --noise 0,0.25,0.5 --output report.json
  evaluate run --suite suite.yaml --format markdown`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuite(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.suite, "suite", "", "YAML suite file listing the experiments")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write the JSON report to this file instead of stdout")
	cmd.Flags().StringVar(&f.format, "format", "json", "Report format: json or markdown")
	cmd.Flags().BoolVar(&f.concurrent, "concurrent", false, "Run experiments with disjoint targets in parallel")
	cmd.Flags().BoolVar(&f.reason, "reason", false, "Ask the reasoning provider for a verdict in every experiment")
	cmd.Flags().Float64SliceVar(&f.noise, "noise", nil, "Telemetry drop fractions for robustness runs")
	cmd.Flags().IntVar(&f.trials, "trials", 0, "Trials per noise level (0 keeps the configured value)")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "Random seed (0 keeps the configured value)")
	_ = cmd.MarkFlagRequired("suite")
	return cmd
}

func runSuite(cmd *cobra.Command, f runFlags) error {
	if f.format != "json" && f.format != "markdown" {
		return fmt.Errorf("unknown format %q", f.format)
	}
	suite, err := harness.LoadSuite(f.suite)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("concurrent") {
		cfg.Harness.Concurrent = f.concurrent
	}
	if cmd.Flags().Changed("reason") {
		cfg.Harness.Reason = f.reason
	}
	if len(f.noise) > 0 {
		cfg.Harness.NoiseLevels = f.noise
	}
	if f.trials > 0 {
		cfg.Harness.Trials = f.trials
	}
	if f.seed != 0 {
		cfg.Harness.Seed = f.seed
	}

	a, err := setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()
	a.StartIngest()

	a.Logger.Info("Running suite", "suite", suite.Name, "experiments", len(suite.Experiments),
		"strategy", a.Orchestrator.Strategy(), "concurrent", cfg.Harness.Concurrent)

	rep, err := a.Harness.RunSuite(cmd.Context(), suite.Experiments)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer file.Close()
		w = file
	}
	if f.format == "markdown" {
		_, err = io.WriteString(w, report.Suite(suite.Name, rep, time.Now()))
	} else {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(rep)
	}
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	a.Logger.Info("Suite finished", "suite", suite.Name,
		"top1", rep.Summary.Top1Accuracy, "topk", rep.Summary.TopKAccuracy,
		"mrr", rep.Summary.MRR, "failed", rep.Summary.Failed)
	return nil
}
