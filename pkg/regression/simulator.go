package regression

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cuemby/knobd/pkg/health"
	"github.com/cuemby/knobd/pkg/policy"
	"github.com/cuemby/knobd/pkg/types"
)

// Model maps a knob value to latency and recall. Larger knobs search wider:
// slower but with better recall.
type Model struct {
	BaseP95Ms     float64 `json:"base_p95_ms"`
	P95PerKnob    float64 `json:"p95_per_knob"`
	BaseRecall    float64 `json:"base_recall"`
	RecallPerKnob float64 `json:"recall_per_knob"`
	MaxRecall     float64 `json:"max_recall"`

	// Uniform noise amplitudes
	P95NoiseMs  float64 `json:"p95_noise_ms"`
	RecallNoise float64 `json:"recall_noise"`

	// FailureRate is the probability that a request fails outright
	FailureRate float64 `json:"failure_rate"`
}

// DefaultModel is calibrated so that each built-in arm settles within one
// step of its preset
func DefaultModel() Model {
	return Model{
		BaseP95Ms:     300,
		P95PerKnob:    4,
		BaseRecall:    0.78,
		RecallPerKnob: 0.001,
		MaxRecall:     0.99,
		P95NoiseMs:    20,
		RecallNoise:   0.004,
		FailureRate:   0.005,
	}
}

// Expected returns the noiseless p95 and recall at knob
func (m Model) Expected(knob int) (p95, recall float64) {
	p95 = m.BaseP95Ms + m.P95PerKnob*float64(knob)
	recall = math.Min(m.MaxRecall, m.BaseRecall+m.RecallPerKnob*float64(knob))
	return p95, recall
}

var errSimulatedFailure = errors.New("simulated request failure")

// SimulatedService is an in-process stand-in for the retrieval service. It
// serves the policy endpoints the switcher drives and produces seeded,
// reproducible metric samples for the current knob.
type SimulatedService struct {
	model    Model
	registry *policy.Registry

	mu      sync.Mutex
	rng     *rand.Rand
	current string
	healthy bool
}

// NewSimulatedService creates a healthy service serving initial
func NewSimulatedService(model Model, registry *policy.Registry, initial string, seed uint64) *SimulatedService {
	return &SimulatedService{
		model:    model,
		registry: registry,
		rng:      rand.New(rand.NewPCG(seed, seed+0x5851f42d4c957f2d)),
		current:  initial,
		healthy:  true,
	}
}

// SetHealthy toggles the readiness signals
func (s *SimulatedService) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// Health reports both readiness signals
func (s *SimulatedService) Health(ctx context.Context) health.GateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	r := health.Result{Healthy: s.healthy, Message: "ok", CheckedAt: now}
	if !s.healthy {
		r.Message = "simulated outage"
	}
	return health.GateResult{
		Healthy: s.healthy,
		Checks:  map[string]health.Result{"embeddings": r, "ready": r},
	}
}

// CurrentPolicy returns the active arm
func (s *SimulatedService) CurrentPolicy(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

// ApplyPolicy activates a registered arm
func (s *SimulatedService) ApplyPolicy(ctx context.Context, name string) error {
	if !s.registry.Has(name) {
		return fmt.Errorf("unknown policy %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = name
	return nil
}

// Serve simulates one request at knob, returning the observed sample. A
// failed request returns an error and no sample.
func (s *SimulatedService) Serve(at time.Time, knob int) (types.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rng.Float64() < s.model.FailureRate {
		return types.MetricSample{}, errSimulatedFailure
	}

	p95, recall := s.model.Expected(knob)
	p95 += s.model.P95NoiseMs * (2*s.rng.Float64() - 1)
	recall += s.model.RecallNoise * (2*s.rng.Float64() - 1)

	return types.MetricSample{
		Timestamp:    at,
		P95LatencyMs: math.Max(0, p95),
		RecallAtK:    math.Min(1, math.Max(0, recall)),
		Coverage:     1,
	}, nil
}
