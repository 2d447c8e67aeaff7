package canary

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RunnerConfig configures canary traffic generation
type RunnerConfig struct {
	ControlArm   string
	TreatmentArm string

	// Requests is the total number of probes, split evenly between groups
	Requests    int
	Concurrency int
	// RateLimit caps probes per second; zero means unlimited
	RateLimit float64
	K         int
	Queries   []Query

	Clock func() time.Time
}

// Rates are the request-level signals gathered during a run
type Rates struct {
	SafetyRate float64  `json:"safety_rate"`
	ApplyRate  float64  `json:"apply_rate"`
	HitRate    *float64 `json:"hit_rate,omitempty"`
}

// RunStats counts what a run issued and observed
type RunStats struct {
	Requests          int  `json:"requests"`
	ControlRequests   int  `json:"control_requests"`
	TreatmentRequests int  `json:"treatment_requests"`
	Errors            int  `json:"errors"`
	TreatmentSafe     int  `json:"treatment_safe"`
	TreatmentApplied  int  `json:"treatment_applied"`
	TreatmentJudged   int  `json:"treatment_judged"`
	TreatmentHits     int  `json:"treatment_hits"`
	Interrupted       bool `json:"interrupted"`
}

// Rates derives the safety, apply and hit rates. Failed treatment requests
// count as neither safe nor applied.
func (s RunStats) Rates() Rates {
	var r Rates
	if s.TreatmentRequests > 0 {
		r.SafetyRate = float64(s.TreatmentSafe) / float64(s.TreatmentRequests)
		r.ApplyRate = float64(s.TreatmentApplied) / float64(s.TreatmentRequests)
	}
	if s.TreatmentJudged > 0 {
		hit := float64(s.TreatmentHits) / float64(s.TreatmentJudged)
		r.HitRate = &hit
	}
	return r
}

// Runner drives alternating control and treatment probes through a bounded
// worker pool, feeding every successful probe into an Aggregator
type Runner struct {
	cfg    RunnerConfig
	prober Prober
	agg    *Aggregator
	logger zerolog.Logger

	mu    sync.Mutex
	stats RunStats
}

// NewRunner creates a runner
func NewRunner(cfg RunnerConfig, prober Prober, agg *Aggregator) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.K <= 0 {
		cfg.K = 10
	}
	if len(cfg.Queries) == 0 {
		cfg.Queries = []Query{{Text: "canary probe"}}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Runner{
		cfg:    cfg,
		prober: prober,
		agg:    agg,
		logger: log.WithComponent("canary"),
	}
}

// Run issues the configured probes. A cancelled or expired ctx stops new
// probes; whatever was collected stays in the aggregator and the stats are
// returned with Interrupted set.
func (r *Runner) Run(ctx context.Context) RunStats {
	var limiter *rate.Limiter
	if r.cfg.RateLimit > 0 {
		burst := int(r.cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.cfg.RateLimit), burst)
	}

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)

	for i := 0; i < r.cfg.Requests; i++ {
		if ctx.Err() != nil {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}

		group, arm := types.GroupControl, r.cfg.ControlArm
		if i%2 == 1 {
			group, arm = types.GroupTreatment, r.cfg.TreatmentArm
		}
		q := r.cfg.Queries[i%len(r.cfg.Queries)]

		g.Go(func() error {
			r.probe(ctx, group, arm, q)
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Interrupted = ctx.Err() != nil
	if r.stats.Interrupted {
		r.logger.Warn().
			Int("issued", r.stats.Requests).
			Int("planned", r.cfg.Requests).
			Msg("Canary run interrupted, reporting partial data")
	}
	return r.stats
}

func (r *Runner) probe(ctx context.Context, group types.GroupTag, arm string, q Query) {
	at := r.cfg.Clock()
	res, err := r.prober.Probe(ctx, arm, q, r.cfg.K)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "cancelled"
		}
	}
	metrics.CanaryRequestsTotal.WithLabelValues(string(group), status).Inc()

	r.mu.Lock()
	r.stats.Requests++
	if group == types.GroupControl {
		r.stats.ControlRequests++
	} else {
		r.stats.TreatmentRequests++
	}
	if err != nil {
		r.stats.Errors++
		r.mu.Unlock()
		r.logger.Debug().Err(err).Str("arm", arm).Msg("Canary probe failed")
		return
	}
	if group == types.GroupTreatment {
		if res.Safe {
			r.stats.TreatmentSafe++
		}
		if res.PolicyApplied == arm {
			r.stats.TreatmentApplied++
		}
		if res.Judged {
			r.stats.TreatmentJudged++
			if res.Hit {
				r.stats.TreatmentHits++
			}
		}
	}
	r.mu.Unlock()

	sample := types.MetricSample{
		Timestamp:    at,
		P95LatencyMs: float64(res.Latency) / float64(time.Millisecond),
		RecallAtK:    res.Recall,
		Coverage:     res.Coverage,
	}
	if err := r.agg.Record(sample, group); err != nil {
		r.logger.Warn().Err(err).Msg("Dropping invalid canary sample")
	}
}
