package main

import (
	"fmt"

	"github.com/cuemby/knobd/pkg/client"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/storage"
	"github.com/cuemby/knobd/pkg/switcher"
	"github.com/spf13/cobra"
)

var selectCmd = &cobra.Command{
	Use:   "select --arm NAME",
	Short: "Switch the retrieval service to a named policy",
	Long: `Switch the retrieval service to a named policy.

The switch runs under an exclusive lock on the state file: health gate,
fetch current policy, apply, verify, then an atomic write of the record.
Any failure leaves the record byte-identical.

Exit codes:
  0  committed (or dry run passed)
  1  unexpected error
  2  unknown arm or bad configuration
  3  health gate failed
  4  could not fetch the current policy
  5  apply failed
  6  post-apply verification mismatch
  7  state lock timeout`,
	Example: `  # Switch to the fast policy
  knobd select --arm fast_v1 --base http://localhost:8080

  # Check what a switch would do
  knobd select --arm quality_v1 --dryrun --print-json`,
	RunE: runSelect,
}

func init() {
	selectCmd.Flags().String("arm", "", "Policy to switch to (required)")
	selectCmd.Flags().Bool("dryrun", false, "Run the health gate and fetch the current policy without applying")
	selectCmd.Flags().Bool("print-json", false, "Print the result as JSON on stdout")
	_ = selectCmd.MarkFlagRequired("arm")
}

func runSelect(cmd *cobra.Command, args []string) error {
	arm, _ := cmd.Flags().GetString("arm")
	dryRun, _ := cmd.Flags().GetBool("dryrun")
	printJSONOut, _ := cmd.Flags().GetBool("print-json")

	registry, err := loadRegistry()
	if err != nil {
		auditSelectAbort(cmd, err)
		return &exitError{code: switcher.ExitUsage, err: err}
	}

	svc := client.New(cfg.BaseURL,
		client.WithTimeout(cfg.Client.Timeout),
		client.WithRetry(cfg.ClientRetry()),
	)
	sw := switcher.New(switcher.Config{
		Store:    storage.NewFileStore(cfg.StatePath, cfg.LockRetry()),
		Service:  svc,
		Registry: registry,
	})

	res, applyErr := sw.Apply(cmd.Context(), arm, dryRun)

	if printJSONOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if applyErr == nil {
		switch {
		case res.DryRun:
			fmt.Printf("dry run: %s -> %s (no change)\n", res.Prev, res.Arm)
		default:
			fmt.Printf("✓ switched %s -> %s at %s\n", res.Prev, res.Arm, res.AppliedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	}

	if applyErr != nil {
		return &exitError{code: switcher.ExitCode(applyErr), err: applyErr}
	}
	return nil
}

// auditSelectAbort records a select that failed before a switch could start
func auditSelectAbort(cmd *cobra.Command, err error) {
	arm, _ := cmd.Flags().GetString("arm")
	switcher.LogAbort(log.WithArm(arm), switcher.ExitUsage, switcher.PhaseIdle, err.Error(), "")
}
