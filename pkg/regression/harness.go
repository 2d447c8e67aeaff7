package regression

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/policy"
	"github.com/cuemby/knobd/pkg/retry"
	"github.com/cuemby/knobd/pkg/storage"
	"github.com/cuemby/knobd/pkg/switcher"
	"github.com/cuemby/knobd/pkg/tuner"
	"github.com/cuemby/knobd/pkg/types"
)

// MinSuccessRate is the smallest fraction of successful requests per policy
const MinSuccessRate = 0.95

// Config controls a regression run
type Config struct {
	Ticks          int           `json:"ticks"`
	TickInterval   time.Duration `json:"tick_interval"`
	SampleInterval time.Duration `json:"sample_interval"`
	MinSamples     int           `json:"min_samples"`
	// StableWindow is the cooldown period within which two consecutive
	// decisions must not reverse each other
	StableWindow time.Duration `json:"stable_window"`
	Seed         uint64        `json:"seed"`
	Model        Model         `json:"model"`

	// StateDir holds the per-run policy record; a temp dir when empty
	StateDir string `json:"-"`
}

// DefaultConfig returns a two-minute simulated run per policy
func DefaultConfig() Config {
	return Config{
		Ticks:          120,
		TickInterval:   time.Second,
		SampleInterval: 10 * time.Second,
		MinSamples:     tuner.DefaultMinSamples,
		StableWindow:   30 * time.Second,
		Seed:           42,
		Model:          DefaultModel(),
	}
}

// PolicyResult is the outcome for one policy
type PolicyResult struct {
	Policy       string   `json:"policy"`
	StartKnob    int      `json:"start_knob"`
	FinalKnob    int      `json:"final_knob"`
	MinKnob      int      `json:"min_knob"`
	MaxKnob      int      `json:"max_knob"`
	Decisions    int      `json:"decisions"`
	SuccessRate  float64  `json:"success_rate"`
	BoundsOK     bool     `json:"bounds_ok"`
	StableDetune bool     `json:"stable_detune"`
	Pass         bool     `json:"pass"`
	Failures     []string `json:"failures,omitempty"`
}

// Summary aggregates every policy result
type Summary struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Seed        uint64         `json:"seed"`
	Ticks       int            `json:"ticks"`
	Pass        bool           `json:"pass"`
	Policies    []PolicyResult `json:"policies"`
}

type change struct {
	at        time.Time
	direction int
}

// Run applies each registered policy through the switcher against a
// simulated service, then drives Ticks samples through a tuner seeded with
// the policy's knob and SLO.
func Run(ctx context.Context, registry *policy.Registry, cfg Config) (*Summary, error) {
	if registry == nil {
		registry = policy.Default()
	}
	defaults := DefaultConfig()
	if cfg.Ticks <= 0 {
		cfg.Ticks = defaults.Ticks
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaults.MinSamples
	}
	if cfg.StableWindow <= 0 {
		cfg.StableWindow = 3 * cfg.SampleInterval
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		dir, err := os.MkdirTemp("", "knobd-regress-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
		defer os.RemoveAll(dir)
		stateDir = dir
	}

	logger := log.WithComponent("regression")
	names := registry.Names()
	svc := NewSimulatedService(cfg.Model, registry, names[0], cfg.Seed)
	store := storage.NewFileStore(filepath.Join(stateDir, "policy.json"), retry.DefaultPolicy())
	sw := switcher.New(switcher.Config{Store: store, Service: svc, Registry: registry})

	summary := &Summary{
		GeneratedAt: time.Now().UTC(),
		Seed:        cfg.Seed,
		Ticks:       cfg.Ticks,
		Pass:        true,
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def, err := registry.Get(name)
		if err != nil {
			return nil, err
		}

		result := runPolicy(ctx, sw, svc, def, cfg)
		if !result.Pass {
			summary.Pass = false
		}
		logger.Info().
			Str("policy", name).
			Bool("pass", result.Pass).
			Int("start_knob", result.StartKnob).
			Int("final_knob", result.FinalKnob).
			Int("decisions", result.Decisions).
			Float64("success_rate", result.SuccessRate).
			Msg("Policy regression finished")
		summary.Policies = append(summary.Policies, result)
	}

	return summary, nil
}

func runPolicy(ctx context.Context, sw *switcher.Switcher, svc *SimulatedService, def types.PolicyDefinition, cfg Config) PolicyResult {
	result := PolicyResult{
		Policy:    def.Name,
		StartKnob: def.Knob.Value,
		MinKnob:   def.Knob.Value,
		MaxKnob:   def.Knob.Value,
		BoundsOK:  true,
	}
	fail := func(format string, args ...any) {
		result.Failures = append(result.Failures, fmt.Sprintf(format, args...))
	}

	if _, err := sw.Apply(ctx, def.Name, false); err != nil {
		fail("switch to %s failed: %v", def.Name, err)
		return result
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ctrl, err := tuner.NewController(tuner.Config{
		Knob:           def.Knob,
		SLO:            def.SLO,
		MinSamples:     cfg.MinSamples,
		SampleInterval: cfg.SampleInterval,
		WindowHorizon:  2 * cfg.SampleInterval,
		Clock:          clock,
	})
	if err != nil {
		fail("controller: %v", err)
		return result
	}

	var (
		ok      int
		changes []change
	)
	for tick := 0; tick < cfg.Ticks; tick++ {
		now = now.Add(cfg.TickInterval)

		sample, err := svc.Serve(now, ctrl.Status().KnobValue)
		if err != nil {
			continue
		}
		ok++

		res, err := ctrl.Suggest(ctx, sample)
		if err != nil {
			fail("tick %d: %v", tick, err)
			continue
		}

		if !def.Knob.InBounds(res.KnobValue) {
			result.BoundsOK = false
		}
		result.MinKnob = min(result.MinKnob, res.KnobValue)
		result.MaxKnob = max(result.MaxKnob, res.KnobValue)
		if d := res.Decision.Direction(); d != 0 {
			changes = append(changes, change{at: now, direction: d})
		}
	}

	result.FinalKnob = ctrl.Status().KnobValue
	result.Decisions = len(changes)
	result.SuccessRate = float64(ok) / float64(cfg.Ticks)
	result.StableDetune = stable(changes, cfg.StableWindow)

	if result.SuccessRate < MinSuccessRate {
		fail("success_rate %.3f < %.2f", result.SuccessRate, MinSuccessRate)
	}
	if !result.BoundsOK {
		fail("knob left [%d, %d]", def.Knob.LowerBound, def.Knob.UpperBound)
	}
	if !result.StableDetune {
		fail("knob oscillated within %s", cfg.StableWindow)
	}
	result.Pass = len(result.Failures) == 0
	return result
}

// stable reports whether no two consecutive changes reverse each other
// within window
func stable(changes []change, window time.Duration) bool {
	for i := 1; i < len(changes); i++ {
		prev, cur := changes[i-1], changes[i]
		if prev.direction != cur.direction && cur.at.Sub(prev.at) <= window {
			return false
		}
	}
	return true
}

// WriteSummary writes the summary as indented JSON, atomically
func WriteSummary(path string, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal regression summary: %w", err)
	}
	return storage.WriteFileAtomic(path, append(data, '\n'), 0644)
}
