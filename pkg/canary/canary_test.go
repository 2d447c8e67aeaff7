package canary

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/knobd/pkg/client"
	"github.com/cuemby/knobd/pkg/stats"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock advances 10ms per call
type steppingClock struct {
	n atomic.Int64
}

func (c *steppingClock) Now() time.Time {
	return epoch.Add(time.Duration(c.n.Add(1)) * 10 * time.Millisecond)
}

type fakeProber struct {
	control, treatment time.Duration
	unsafeEvery        int
	calls              atomic.Int64
	mu                 sync.Mutex
	arms               map[string]int
}

func (f *fakeProber) Probe(ctx context.Context, arm string, q Query, k int) (ProbeResult, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	if f.arms == nil {
		f.arms = map[string]int{}
	}
	f.arms[arm]++
	f.mu.Unlock()

	res := ProbeResult{Latency: f.control, Recall: 0.90, Coverage: 1, Safe: true, PolicyApplied: arm, Judged: true, Hit: true}
	if arm == "fast_v1" {
		res.Latency = f.treatment
		res.Recall = 0.905
	}
	if f.unsafeEvery > 0 && n%int64(f.unsafeEvery) == 0 {
		res.Safe = false
	}
	return res, nil
}

func runnerConfig(requests int) RunnerConfig {
	clock := &steppingClock{}
	return RunnerConfig{
		ControlArm:   "balanced_v1",
		TreatmentArm: "fast_v1",
		Requests:     requests,
		Concurrency:  4,
		K:            10,
		Clock:        clock.Now,
	}
}

func TestRunner_SplitsTrafficEvenly(t *testing.T) {
	prober := &fakeProber{control: 100 * time.Millisecond, treatment: 60 * time.Millisecond}
	agg := NewAggregator(100*time.Millisecond, 3)

	st := NewRunner(runnerConfig(200), prober, agg).Run(context.Background())

	assert.Equal(t, 200, st.Requests)
	assert.Equal(t, 100, st.ControlRequests)
	assert.Equal(t, 100, st.TreatmentRequests)
	assert.Equal(t, 0, st.Errors)
	assert.False(t, st.Interrupted)
	assert.Equal(t, 100, prober.arms["fast_v1"])

	rates := st.Rates()
	assert.Equal(t, 1.0, rates.SafetyRate)
	assert.Equal(t, 1.0, rates.ApplyRate)
	require.NotNil(t, rates.HitRate)
	assert.Equal(t, 1.0, *rates.HitRate)
}

type blockingProber struct {
	started atomic.Int64
}

func (b *blockingProber) Probe(ctx context.Context, arm string, q Query, k int) (ProbeResult, error) {
	if b.started.Add(1) <= 10 {
		return ProbeResult{Latency: 50 * time.Millisecond, Recall: 0.9, Coverage: 1, Safe: true, PolicyApplied: arm}, nil
	}
	<-ctx.Done()
	return ProbeResult{}, ctx.Err()
}

func TestRunner_CancellationYieldsPartialData(t *testing.T) {
	prober := &blockingProber{}
	agg := NewAggregator(time.Second, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	st := NewRunner(runnerConfig(10000), prober, agg).Run(ctx)

	assert.True(t, st.Interrupted)
	assert.Less(t, st.Requests, 10000)
	assert.GreaterOrEqual(t, st.Requests-st.Errors, 10)

	total := 0
	for _, b := range agg.Buckets() {
		total += len(b.Samples)
	}
	assert.Equal(t, 10, total, "completed probes stay aggregated")
}

func TestRunner_RateLimited(t *testing.T) {
	prober := &fakeProber{control: time.Millisecond, treatment: time.Millisecond}
	cfg := runnerConfig(20)
	cfg.RateLimit = 1000

	st := NewRunner(cfg, prober, NewAggregator(time.Second, 1)).Run(context.Background())
	assert.Equal(t, 20, st.Requests)
}

func TestRunStats_Rates(t *testing.T) {
	st := RunStats{TreatmentRequests: 100, TreatmentSafe: 99, TreatmentApplied: 90}
	r := st.Rates()
	assert.InDelta(t, 0.99, r.SafetyRate, 1e-9)
	assert.InDelta(t, 0.90, r.ApplyRate, 1e-9)
	assert.Nil(t, r.HitRate)

	assert.Zero(t, RunStats{}.Rates().SafetyRate)
}

func separated(n int, base float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base + float64(i%5)
	}
	return out
}

func passingAggregation() Aggregation {
	return Aggregation{
		ControlP95s:        []float64{104, 104},
		TreatmentP95s:      []float64{64, 64},
		ControlLatencies:   separated(10, 100),
		TreatmentLatencies: separated(10, 60),
		BucketsUsed:        2,
		DeltaP95Ms:         40,
		DeltaRecall:        0.005,
	}
}

func goodRates() Rates {
	hit := 0.95
	return Rates{SafetyRate: 1, ApplyRate: 0.99, HitRate: &hit}
}

func TestGate_Pass(t *testing.T) {
	g := NewGate(DefaultGateConfig(), stats.NewPermutationTester(1000, 1))

	report := g.Evaluate(passingAggregation(), goodRates())
	assert.Equal(t, types.VerdictPass, report.Verdict, report.Failures)
	assert.Less(t, report.PValue, 0.05)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.Failures)
}

func TestGate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Aggregation, *Rates)
		want   string
	}{
		{"recall regression", func(a *Aggregation, r *Rates) { a.DeltaRecall = -0.02 }, "delta_recall"},
		{"unsafe", func(a *Aggregation, r *Rates) { r.SafetyRate = 0.98 }, "safety_rate"},
		{"not applied", func(a *Aggregation, r *Rates) { r.ApplyRate = 0.9 }, "apply_rate"},
		{"not faster", func(a *Aggregation, r *Rates) { a.DeltaP95Ms = 0 }, "delta_p95_ms"},
		{"not significant", func(a *Aggregation, r *Rates) {
			a.TreatmentLatencies = separated(10, 100)
		}, "p_value"},
		{"no treatment buckets", func(a *Aggregation, r *Rates) { a.TreatmentP95s = nil }, "insufficient"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, rates := passingAggregation(), goodRates()
			tt.mutate(&agg, &rates)

			report := NewGate(DefaultGateConfig(), stats.NewPermutationTester(1000, 1)).Evaluate(agg, rates)
			assert.Equal(t, types.VerdictFail, report.Verdict)
			require.NotEmpty(t, report.Failures)

			found := false
			for _, f := range report.Failures {
				if strings.Contains(f, tt.want) {
					found = true
				}
			}
			assert.True(t, found, "failures %v should mention %s", report.Failures, tt.want)
		})
	}
}

func TestGate_QualityModeOrHitRate(t *testing.T) {
	agg, rates := passingAggregation(), goodRates()
	agg.TreatmentLatencies = separated(10, 100) // not significant

	strict := NewGate(DefaultGateConfig(), stats.NewPermutationTester(1000, 1)).Evaluate(agg, rates)
	assert.Equal(t, types.VerdictFail, strict.Verdict)

	cfg := DefaultGateConfig()
	cfg.QualityMode = QualitySignificanceOrHitRate
	lenient := NewGate(cfg, stats.NewPermutationTester(1000, 1)).Evaluate(agg, rates)
	assert.Equal(t, types.VerdictPass, lenient.Verdict, lenient.Failures)

	low := 0.5
	rates.HitRate = &low
	lowHit := NewGate(cfg, stats.NewPermutationTester(1000, 1)).Evaluate(agg, rates)
	assert.Equal(t, types.VerdictFail, lowHit.Verdict)

	rates.HitRate = nil
	noHit := NewGate(cfg, stats.NewPermutationTester(1000, 1)).Evaluate(agg, rates)
	assert.Equal(t, types.VerdictFail, noHit.Verdict)
}

func TestExecute_EndToEnd(t *testing.T) {
	prober := &fakeProber{control: 100 * time.Millisecond, treatment: 60 * time.Millisecond}
	cfg := Config{
		Runner:              runnerConfig(400),
		BucketWidth:         100 * time.Millisecond,
		MinBucketPopulation: 3,
		Gate:                DefaultGateConfig(),
	}

	res := Execute(context.Background(), cfg, prober, NewGate(cfg.Gate, stats.NewPermutationTester(1000, 7)))

	assert.Equal(t, types.VerdictPass, res.Report.Verdict, res.Report.Failures)
	assert.Equal(t, "fast_v1", res.Report.Arm)
	assert.Equal(t, 400, res.Report.Requests)
	assert.InDelta(t, 40, res.Report.DeltaP95Ms, 1e-6)

	path := filepath.Join(t.TempDir(), "reports", "canary.json")
	require.NoError(t, WriteReport(path, res.Report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded types.CanaryReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, res.Report.RunID, decoded.RunID)
	assert.Equal(t, types.VerdictPass, decoded.Verdict)
}

func TestExecute_UnsafeTreatmentFails(t *testing.T) {
	prober := &fakeProber{control: 100 * time.Millisecond, treatment: 60 * time.Millisecond, unsafeEvery: 7}
	cfg := Config{
		Runner:              runnerConfig(400),
		BucketWidth:         100 * time.Millisecond,
		MinBucketPopulation: 3,
		Gate:                DefaultGateConfig(),
	}

	res := Execute(context.Background(), cfg, prober, NewGate(cfg.Gate, stats.NewPermutationTester(1000, 7)))
	assert.Equal(t, types.VerdictFail, res.Report.Verdict)
	assert.Less(t, res.Report.SafetyRate, 0.99)
}

func TestScore(t *testing.T) {
	resp := &client.SearchResponse{IDs: []string{"a", "b", "c", "d"}, PolicyApplied: "fast_v1", Safe: true}

	judged := Score(resp, Query{Text: "q", Relevant: []string{"b", "d", "z"}}, 10, 5*time.Millisecond)
	assert.True(t, judged.Judged)
	assert.True(t, judged.Hit)
	assert.InDelta(t, 2.0/3.0, judged.Recall, 1e-9)
	assert.InDelta(t, 0.4, judged.Coverage, 1e-9)

	capped := Score(resp, Query{Text: "q", Relevant: []string{"c", "d"}}, 2, time.Millisecond)
	assert.True(t, capped.Judged)
	assert.False(t, capped.Hit, "only the first k ids count")
	assert.Zero(t, capped.Recall)

	unjudged := Score(resp, Query{Text: "q"}, 8, time.Millisecond)
	assert.False(t, unjudged.Judged)
	assert.InDelta(t, 0.5, unjudged.Recall, 1e-9)
}
