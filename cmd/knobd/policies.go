package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List the registered policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry()
		if err != nil {
			return &exitError{code: 2, err: err}
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(registry.All())
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKNOB\tBOUNDS\tSTEP\tP95 SLO\tRECALL SLO")
		for _, p := range registry.All() {
			fmt.Fprintf(w, "%s\t%d\t[%d, %d]\t%d\t%.0fms\t%.2f\n",
				p.Name, p.Knob.Value, p.Knob.LowerBound, p.Knob.UpperBound, p.Knob.StepSize,
				p.SLO.P95Ms, p.SLO.Recall)
		}
		return w.Flush()
	},
}

func init() {
	policiesCmd.Flags().Bool("json", false, "Print as JSON")
}
