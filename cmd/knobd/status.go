package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/knobd/pkg/storage"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted active policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewFileStore(cfg.StatePath, cfg.LockRetry())
		rec, err := store.Read(cmd.Context())
		if errors.Is(err, storage.ErrNoRecord) {
			fmt.Printf("No policy committed yet (%s)\n", store.Path())
			return nil
		}
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(rec)
		}
		fmt.Printf("Policy:    %s\n", rec.PolicyName)
		fmt.Printf("Applied:   %s\n", rec.AppliedAt.Format(time.RFC3339))
		fmt.Printf("Previous:  %s\n", rec.PreviousPolicyName)
		fmt.Printf("State:     %s\n", store.Path())
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the tuner decision history",
	Long: `Show the tuner's persisted state and its most recent decisions.

The data directory is locked while serve is running; stop it first or point
--data-dir at a copy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := cfg.DataDir
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			dataDir = v
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		state, err := store.LoadTunerState()
		if err != nil {
			return err
		}
		decisions, err := store.ListDecisions(limit)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(map[string]any{"state": state, "decisions": decisions})
		}

		if state == nil {
			fmt.Println("No tuner state persisted yet")
			return nil
		}
		fmt.Printf("Knob: %d in [%d, %d] step %d, history %d\n\n",
			state.Knob.Value, state.Knob.LowerBound, state.Knob.UpperBound, state.Knob.StepSize, state.HistoryLen)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tACTION\tFROM\tTO\tREASON")
		for _, d := range decisions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", d.At.Format(time.RFC3339), d.Action, d.From, d.To, d.Reason)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print as JSON")

	historyCmd.Flags().String("data-dir", "", "Directory for tuner state (default from config)")
	historyCmd.Flags().Int("limit", 20, "Most recent decisions to show (0 for all)")
	historyCmd.Flags().Bool("json", false, "Print as JSON")
}
