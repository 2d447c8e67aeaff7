package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/knobd/pkg/config"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/policy"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once by the root command before any subcommand runs
var cfg *config.Config

// exitError carries a process exit code other than 1
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}

var rootCmd = &cobra.Command{
	Use:   "knobd",
	Short: "knobd - adaptive knob tuning and policy switching for retrieval services",
	Long: `knobd keeps a retrieval service inside its latency and recall SLOs.

It adjusts a single search-breadth knob from reported metrics, switches the
service between named policies under a file lock with a health gate, and
evaluates candidate policies with a statistically gated canary.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			if cmd.Name() == "select" {
				auditSelectAbort(cmd, err)
			}
			return &exitError{code: 2, err: err}
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("log-json") {
			loaded.Log.JSON, _ = cmd.Flags().GetBool("log-json")
		}
		if cmd.Flags().Changed("base") {
			loaded.BaseURL, _ = cmd.Flags().GetString("base")
		}
		if cmd.Flags().Changed("state") {
			loaded.StatePath, _ = cmd.Flags().GetString("state")
		}
		cfg = loaded

		log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"knobd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")
	rootCmd.PersistentFlags().String("base", "", "Retrieval service base URL (overrides config and KNOBD_BASE_URL)")
	rootCmd.PersistentFlags().String("state", "", "Policy state file (overrides config and KNOBD_STATE_PATH)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(canaryCmd)
	rootCmd.AddCommand(regressCmd)
	rootCmd.AddCommand(policiesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reportCmd)
}

func loadRegistry() (*policy.Registry, error) {
	if cfg.PolicyFile == "" {
		return policy.Default(), nil
	}
	return policy.Load(cfg.PolicyFile)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
