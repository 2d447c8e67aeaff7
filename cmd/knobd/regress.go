package main

import (
	"fmt"

	"github.com/cuemby/knobd/pkg/regression"
	"github.com/spf13/cobra"
)

var regressCmd = &cobra.Command{
	Use:   "regress",
	Short: "Run every policy against the simulated service",
	Long: `Switch to each registered policy against a deterministic simulated
retrieval service, drive the tuner for a number of ticks and check the
success rate, knob bounds and detune stability. The summary is written
atomically as JSON; the command exits non-zero when any policy fails.`,
	RunE: runRegress,
}

func init() {
	regressCmd.Flags().Int("ticks", 0, "Samples per policy (default from config)")
	regressCmd.Flags().Uint64("seed", 0, "Simulation seed (default from config)")
	regressCmd.Flags().String("out", "", "Summary path (default from config)")
}

func runRegress(cmd *cobra.Command, args []string) error {
	registry, err := loadRegistry()
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	rc := regression.DefaultConfig()
	rc.Ticks = cfg.Regression.Ticks
	rc.Seed = cfg.Regression.Seed
	rc.SampleInterval = cfg.Tuner.SampleInterval
	rc.MinSamples = cfg.Tuner.MinSamples
	if v, _ := cmd.Flags().GetInt("ticks"); v > 0 {
		rc.Ticks = v
	}
	if cmd.Flags().Changed("seed") {
		rc.Seed, _ = cmd.Flags().GetUint64("seed")
	}
	out := cfg.Regression.SummaryPath
	if v, _ := cmd.Flags().GetString("out"); v != "" {
		out = v
	}

	summary, err := regression.Run(cmd.Context(), registry, rc)
	if err != nil {
		return err
	}
	if out != "" {
		if err := regression.WriteSummary(out, summary); err != nil {
			return err
		}
	}
	if err := printJSON(summary); err != nil {
		return err
	}

	if !summary.Pass {
		return fmt.Errorf("regression failed")
	}
	return nil
}
