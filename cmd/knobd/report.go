package main

import (
	"fmt"

	"github.com/cuemby/knobd/pkg/client"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Post one metrics sample to a tuner endpoint",
	Long: `Post {p95_ms, recall_at_10, coverage} to <base>/tuner/metrics and print the
history length the tuner reports. Works against a running knobd serve or any
service exposing the same endpoint.`,
	Example: `  knobd report --base http://localhost:9090 --p95 1200 --recall 0.97`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p95, _ := cmd.Flags().GetFloat64("p95")
		recall, _ := cmd.Flags().GetFloat64("recall")
		coverage, _ := cmd.Flags().GetFloat64("coverage")

		c := client.New(cfg.BaseURL,
			client.WithTimeout(cfg.Client.Timeout),
			client.WithRetry(cfg.ClientRetry()),
		)
		historyLen, err := c.ReportMetrics(cmd.Context(), client.MetricsReport{
			P95Ms:      p95,
			RecallAt10: recall,
			Coverage:   coverage,
		})
		if err != nil {
			return err
		}
		fmt.Printf("history_len: %d\n", historyLen)
		return nil
	},
}

func init() {
	reportCmd.Flags().Float64("p95", 0, "p95 latency in milliseconds (required)")
	reportCmd.Flags().Float64("recall", 0, "recall@10 in [0, 1] (required)")
	reportCmd.Flags().Float64("coverage", 1, "coverage in [0, 1]")
	_ = reportCmd.MarkFlagRequired("p95")
	_ = reportCmd.MarkFlagRequired("recall")
}
