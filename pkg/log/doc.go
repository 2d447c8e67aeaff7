/*
Package log provides structured logging for knobd using zerolog.

The log package wraps zerolog with a process-wide Logger, configurable level and
output format, and child loggers that carry a fixed context field. Every component
logs through a child logger created with WithComponent so log lines can be filtered
by subsystem:

	tunerLog := log.WithComponent("tuner")
	tunerLog.Info().Int("knob", 128).Msg("knob adjusted")

# Output Formats

JSON output is intended for production and for the switcher audit trail, where
lines are shipped to a log pipeline and matched on the "tag" field:

	{"level":"info","component":"switcher","tag":"BANDIT_SELECT","arm":"quality_v1","prev":"balanced_v1","applied_at":"2026-10-18T09:00:00Z","time":"..."}

Console output renders the same fields for humans:

	2026-10-18T09:00:00Z INF policy applied arm=quality_v1 component=switcher tag=BANDIT_SELECT

# Initialization

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})

Before Init is called the Logger writes JSON to stderr at the global zerolog level,
which keeps tests and library callers quiet-by-default but never silent.

# Context Helpers

  - WithComponent: subsystem name ("tuner", "switcher", "canary", "storage")
  - WithArm: the policy arm a switch or canary run concerns
  - WithRunID: canary and regression run identifiers
*/
package log
