package canary

import (
	"fmt"
	"time"

	"github.com/cuemby/knobd/pkg/stats"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/google/uuid"
)

// QualityMode selects how statistical significance and the hit rate combine
type QualityMode string

const (
	// QualitySignificance requires p < Alpha
	QualitySignificance QualityMode = "significance"
	// QualitySignificanceOrHitRate accepts either p < Alpha or a hit rate of
	// at least MinHitRate
	QualitySignificanceOrHitRate QualityMode = "significance_or_hit_rate"
)

// GateConfig holds the pass thresholds of a canary
type GateConfig struct {
	Alpha          float64     `koanf:"alpha" validate:"gt=0,lt=1"`
	MinDeltaRecall float64     `koanf:"min_delta_recall"`
	MinSafetyRate  float64     `koanf:"min_safety_rate" validate:"gte=0,lte=1"`
	MinApplyRate   float64     `koanf:"min_apply_rate" validate:"gte=0,lte=1"`
	MinDeltaP95Ms  float64     `koanf:"min_delta_p95_ms"`
	QualityMode    QualityMode `koanf:"quality_mode" validate:"oneof=significance significance_or_hit_rate"`
	MinHitRate     float64     `koanf:"min_hit_rate" validate:"gte=0,lte=1"`
}

// DefaultGateConfig returns the standard thresholds
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Alpha:          0.05,
		MinDeltaRecall: -0.01,
		MinSafetyRate:  0.99,
		MinApplyRate:   0.95,
		MinDeltaP95Ms:  0,
		QualityMode:    QualitySignificance,
		MinHitRate:     0.90,
	}
}

// Gate turns an aggregation and request rates into a verdict
type Gate struct {
	cfg    GateConfig
	tester *stats.PermutationTester
	clock  func() time.Time
}

// NewGate creates a gate. A nil tester uses a randomly seeded one.
func NewGate(cfg GateConfig, tester *stats.PermutationTester) *Gate {
	if cfg.QualityMode == "" {
		cfg.QualityMode = QualitySignificance
	}
	if tester == nil {
		tester = stats.NewRandomPermutationTester(stats.DefaultTrials)
	}
	return &Gate{cfg: cfg, tester: tester, clock: time.Now}
}

// Evaluate builds the report for one run. The verdict is pass only when
// every threshold holds; each violated threshold is listed in Failures.
func (g *Gate) Evaluate(agg Aggregation, rates Rates) types.CanaryReport {
	report := types.CanaryReport{
		RunID:           uuid.NewString(),
		GeneratedAt:     g.clock().UTC(),
		DeltaP95Ms:      agg.DeltaP95Ms,
		DeltaRecall:     agg.DeltaRecall,
		PValue:          g.tester.PValue(agg.ControlLatencies, agg.TreatmentLatencies),
		SafetyRate:      rates.SafetyRate,
		ApplyRate:       rates.ApplyRate,
		HitRate:         rates.HitRate,
		BucketsUsed:     agg.BucketsUsed,
		BucketsExcluded: agg.NoiseExcluded,
	}

	var failures []string
	if !agg.Comparable() {
		failures = append(failures, "insufficient valid buckets in one or both groups")
	}

	significant := report.PValue < g.cfg.Alpha
	switch g.cfg.QualityMode {
	case QualitySignificanceOrHitRate:
		hitOK := rates.HitRate != nil && *rates.HitRate >= g.cfg.MinHitRate
		if !significant && !hitOK {
			failures = append(failures, fmt.Sprintf("p_value %.4f >= %.2f and hit_rate %s < %.2f",
				report.PValue, g.cfg.Alpha, formatRate(rates.HitRate), g.cfg.MinHitRate))
		}
	default:
		if !significant {
			failures = append(failures, fmt.Sprintf("p_value %.4f >= %.2f", report.PValue, g.cfg.Alpha))
		}
	}

	if report.DeltaRecall < g.cfg.MinDeltaRecall {
		failures = append(failures, fmt.Sprintf("delta_recall %.4f < %.4f", report.DeltaRecall, g.cfg.MinDeltaRecall))
	}
	if report.SafetyRate < g.cfg.MinSafetyRate {
		failures = append(failures, fmt.Sprintf("safety_rate %.4f < %.2f", report.SafetyRate, g.cfg.MinSafetyRate))
	}
	if report.ApplyRate < g.cfg.MinApplyRate {
		failures = append(failures, fmt.Sprintf("apply_rate %.4f < %.2f", report.ApplyRate, g.cfg.MinApplyRate))
	}
	if report.DeltaP95Ms <= g.cfg.MinDeltaP95Ms {
		failures = append(failures, fmt.Sprintf("delta_p95_ms %.2f <= %.2f", report.DeltaP95Ms, g.cfg.MinDeltaP95Ms))
	}

	report.Failures = failures
	report.Verdict = types.VerdictPass
	if len(failures) > 0 {
		report.Verdict = types.VerdictFail
	}
	return report
}

func formatRate(r *float64) string {
	if r == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", *r)
}
