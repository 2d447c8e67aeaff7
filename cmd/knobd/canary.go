package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cuemby/knobd/pkg/canary"
	"github.com/cuemby/knobd/pkg/client"
	"github.com/cuemby/knobd/pkg/events"
	"github.com/cuemby/knobd/pkg/stats"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/spf13/cobra"
)

var canaryCmd = &cobra.Command{
	Use:   "canary",
	Short: "Compare a treatment policy against control with live traffic",
	Long: `Send probe queries to the retrieval service, alternating between the
control and treatment arms, and gate the treatment on latency improvement,
recall, safety and apply rates. The report is written atomically as JSON.

The command exits non-zero when the verdict is not pass.`,
	RunE: runCanary,
}

func init() {
	canaryCmd.Flags().String("control", "", "Control arm (default from config)")
	canaryCmd.Flags().String("treatment", "", "Treatment arm (default from config)")
	canaryCmd.Flags().Int("requests", 0, "Total probe requests (default from config)")
	canaryCmd.Flags().String("queries", "", "YAML or JSON file of probe queries")
	canaryCmd.Flags().String("out", "", "Report path (default from config)")
}

func runCanary(cmd *cobra.Command, args []string) error {
	cc := cfg.Canary
	if v, _ := cmd.Flags().GetString("control"); v != "" {
		cc.ControlArm = v
	}
	if v, _ := cmd.Flags().GetString("treatment"); v != "" {
		cc.TreatmentArm = v
	}
	if v, _ := cmd.Flags().GetInt("requests"); v > 0 {
		cc.Requests = v
	}
	if v, _ := cmd.Flags().GetString("queries"); v != "" {
		cc.QueriesFile = v
	}
	if v, _ := cmd.Flags().GetString("out"); v != "" {
		cc.ReportPath = v
	}

	registry, err := loadRegistry()
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	for _, arm := range []string{cc.ControlArm, cc.TreatmentArm} {
		if _, err := registry.Get(arm); err != nil {
			return &exitError{code: 2, err: err}
		}
	}

	queries := canary.DefaultQueries
	if cc.QueriesFile != "" {
		if queries, err = canary.LoadQueries(cc.QueriesFile); err != nil {
			return &exitError{code: 2, err: err}
		}
	}

	svc := client.New(cfg.BaseURL, client.WithTimeout(cfg.Client.Timeout))
	prober := &canary.ClientProber{Searcher: svc}
	gate := canary.NewGate(cc.Gate, stats.NewRandomPermutationTester(cc.Trials))

	// An interrupt stops traffic; the partial report is still written.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go events.LogEvents(ctx, broker)

	run := cc.RunConfig(queries)
	run.Events = broker
	res := canary.Execute(ctx, run, prober, gate)

	if cc.ReportPath != "" {
		if err := canary.WriteReport(cc.ReportPath, res.Report); err != nil {
			return err
		}
	}
	if err := printJSON(res.Report); err != nil {
		return err
	}

	if res.Report.Verdict != types.VerdictPass {
		return fmt.Errorf("canary verdict %s: %s", res.Report.Verdict, strings.Join(res.Report.Failures, "; "))
	}
	return nil
}
