package canary

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/knobd/pkg/events"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/storage"
	"github.com/cuemby/knobd/pkg/types"
)

// Config is a full canary run: traffic, bucketing and gate
type Config struct {
	Runner              RunnerConfig
	BucketWidth         time.Duration
	MinBucketPopulation int
	Gate                GateConfig
	// Timeout bounds the traffic phase; zero means no limit beyond ctx
	Timeout time.Duration

	Events events.Publisher
}

// Result bundles the report with the data it was derived from
type Result struct {
	Report      types.CanaryReport `json:"report"`
	Stats       RunStats           `json:"stats"`
	Aggregation Aggregation        `json:"aggregation"`
}

// Execute generates canary traffic, aggregates it and evaluates the gate.
// An interrupted run still produces a report from the data gathered.
func Execute(ctx context.Context, cfg Config, prober Prober, gate *Gate) Result {
	agg := NewAggregator(cfg.BucketWidth, cfg.MinBucketPopulation)

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	runStats := NewRunner(cfg.Runner, prober, agg).Run(runCtx)
	aggregation := agg.Aggregate()

	report := gate.Evaluate(aggregation, runStats.Rates())
	report.Arm = cfg.Runner.TreatmentArm
	report.Requests = runStats.Requests

	metrics.CanaryPValue.Set(report.PValue)
	if aggregation.NoiseExcluded > 0 {
		metrics.CanaryBucketsExcluded.Add(float64(aggregation.NoiseExcluded))
	}

	logger := log.WithRunID(report.RunID)
	logger.Info().
		Str("arm", report.Arm).
		Str("verdict", string(report.Verdict)).
		Float64("delta_p95_ms", report.DeltaP95Ms).
		Float64("delta_recall", report.DeltaRecall).
		Float64("p_value", report.PValue).
		Int("buckets_used", report.BucketsUsed).
		Int("buckets_excluded", report.BucketsExcluded).
		Bool("interrupted", runStats.Interrupted).
		Msg("Canary evaluated")

	if cfg.Events != nil {
		cfg.Events.Publish(&events.Event{
			Type:      events.EventCanaryCompleted,
			Timestamp: report.GeneratedAt,
			Message:   string(report.Verdict),
			Metadata: map[string]string{
				"run_id": report.RunID,
				"arm":    report.Arm,
			},
		})
	}

	return Result{Report: report, Stats: runStats, Aggregation: aggregation}
}

// WriteReport writes the report as indented JSON, atomically
func WriteReport(path string, report types.CanaryReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal canary report: %w", err)
	}
	return storage.WriteFileAtomic(path, append(data, '\n'), 0644)
}
