package tuner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/knobd/pkg/events"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/cuemby/knobd/pkg/window"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMinSamples is the smallest window population that yields a decision
const DefaultMinSamples = 3

// StateSaver persists the tuner state and its decision history
type StateSaver interface {
	// LoadTunerState returns nil and no error when nothing was saved yet
	LoadTunerState() (*types.TunerState, error)
	SaveTunerState(state *types.TunerState) error
	AppendDecision(rec *types.DecisionRecord) error
}

// Config holds configuration for creating a Controller
type Config struct {
	// Knob is the initial knob; ignored when a persisted state is restored
	Knob           types.KnobState
	SLO            types.SLO
	MinSamples     int
	SampleInterval time.Duration
	WindowHorizon  time.Duration

	Saver  StateSaver
	Events events.Publisher
	// Clock defaults to time.Now
	Clock func() time.Time
}

// DefaultConfig returns the illustrative defaults: knob 128 in [64, 256]
// stepping by 16, p95 SLO 1000ms and recall SLO 0.90.
func DefaultConfig() Config {
	return Config{
		Knob:           types.KnobState{Value: 128, LowerBound: 64, UpperBound: 256, StepSize: 16},
		SLO:            types.SLO{P95Ms: 1000, Recall: 0.90},
		MinSamples:     DefaultMinSamples,
		SampleInterval: 10 * time.Second,
		WindowHorizon:  5 * time.Minute,
	}
}

// SuggestResult is returned for every ingested sample
type SuggestResult struct {
	Decision   Decision `json:"decision"`
	KnobValue  int      `json:"knob_value"`
	HistoryLen int      `json:"history_len"`
}

// Status is a point-in-time view of the controller
type Status struct {
	HistoryLen       int       `json:"history_len"`
	KnobValue        int       `json:"knob_value"`
	WindowPopulation int       `json:"window_population"`
	LowerBound       int       `json:"lower_bound"`
	UpperBound       int       `json:"upper_bound"`
	StepSize         int       `json:"step_size"`
	LastSuggestTime  time.Time `json:"last_suggest_time"`
}

// Controller owns the tuner state and the decision window. All methods are
// safe for concurrent use; ingestion and decisions are serialised so a
// decision never observes a partially updated window.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	state  types.TunerState
	window *window.Window
	logger zerolog.Logger
}

// NewController creates a controller, restoring persisted state when the
// saver holds one.
func NewController(cfg Config) (*Controller, error) {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Controller{
		cfg:    cfg,
		state:  types.TunerState{Knob: cfg.Knob},
		window: window.New(cfg.WindowHorizon),
		logger: log.WithComponent("tuner"),
	}

	if cfg.Saver != nil {
		restored, err := cfg.Saver.LoadTunerState()
		if err != nil {
			return nil, fmt.Errorf("failed to load tuner state: %w", err)
		}
		if restored != nil {
			c.state = *restored
			c.logger.Info().
				Int("knob", restored.Knob.Value).
				Int("history_len", restored.HistoryLen).
				Msg("Restored tuner state")
		}
	}

	if err := c.state.Knob.Validate(); err != nil {
		return nil, fmt.Errorf("invalid knob: %w", err)
	}

	c.publishGauges()
	metrics.RegisterComponent(metrics.ComponentTuner, true, "")
	return c, nil
}

// Ingest appends a sample to the window
func (c *Controller) Ingest(sample types.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ingestLocked(sample)
}

func (c *Controller) ingestLocked(sample types.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = c.cfg.Clock()
	}
	c.window.Ingest(sample)
	metrics.SamplesIngested.Inc()
	metrics.WindowPopulation.Set(float64(c.window.Len()))
}

// MaybeDecide evaluates the window at now. It returns ActionNone unless the
// sample interval has elapsed since the last change and the window holds at
// least MinSamples samples.
func (c *Controller) MaybeDecide(now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maybeDecideLocked(now)
}

func (c *Controller) maybeDecideLocked(now time.Time) Decision {
	c.window.Evict(now)
	metrics.WindowPopulation.Set(float64(c.window.Len()))

	none := Decision{Action: ActionNone, From: c.state.Knob.Value, To: c.state.Knob.Value}

	if now.Sub(c.state.LastSuggestTime) < c.cfg.SampleInterval {
		none.Reason = "sample interval not elapsed"
		metrics.DecisionsTotal.WithLabelValues(string(ActionNone)).Inc()
		return none
	}

	agg, ok := c.window.Aggregate(c.cfg.MinSamples)
	if !ok {
		none.Reason = fmt.Sprintf("insufficient samples: %d < %d", agg.Count, c.cfg.MinSamples)
		none.Aggregate = agg
		metrics.DecisionsTotal.WithLabelValues(string(ActionNone)).Inc()
		return none
	}

	d := Decide(agg, c.state.Knob, c.cfg.SLO)
	metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	if d.Changed() {
		c.applyDecision(d, now)
	}
	return d
}

// applyDecision is the single transition that mutates the knob
func (c *Controller) applyDecision(d Decision, now time.Time) {
	c.state.Knob.Value = c.state.Knob.Clamp(d.To)
	c.state.Knob.LastChangedAt = now
	c.state.LastSuggestTime = now
	c.state.HistoryLen++
	c.window.Clear()

	c.logger.Info().
		Str("action", string(d.Action)).
		Int("from", d.From).
		Int("to", c.state.Knob.Value).
		Int("history_len", c.state.HistoryLen).
		Msg(d.Reason)

	c.persistLocked(&types.DecisionRecord{
		ID:         uuid.NewString(),
		At:         now,
		Action:     string(d.Action),
		From:       d.From,
		To:         c.state.Knob.Value,
		Reason:     d.Reason,
		HistoryLen: c.state.HistoryLen,
	})
	c.publishGauges()

	if c.cfg.Events != nil {
		c.cfg.Events.Publish(&events.Event{
			Type:      events.EventKnobAdjusted,
			Timestamp: now,
			Message:   d.Reason,
			Metadata: map[string]string{
				"action":      string(d.Action),
				"from":        strconv.Itoa(d.From),
				"to":          strconv.Itoa(c.state.Knob.Value),
				"history_len": strconv.Itoa(c.state.HistoryLen),
			},
		})
	}
}

// Suggest ingests a sample and evaluates the window in one step
func (c *Controller) Suggest(ctx context.Context, sample types.MetricSample) (SuggestResult, error) {
	if err := ctx.Err(); err != nil {
		return SuggestResult{}, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = c.cfg.Clock()
	}
	if err := types.Validate(&sample); err != nil {
		return SuggestResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ingestLocked(sample)
	d := c.maybeDecideLocked(c.cfg.Clock())

	return SuggestResult{
		Decision:   d,
		KnobValue:  c.state.Knob.Value,
		HistoryLen: c.state.HistoryLen,
	}, nil
}

// Status returns the current controller status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		HistoryLen:       c.state.HistoryLen,
		KnobValue:        c.state.Knob.Value,
		WindowPopulation: c.window.Len(),
		LowerBound:       c.state.Knob.LowerBound,
		UpperBound:       c.state.Knob.UpperBound,
		StepSize:         c.state.Knob.StepSize,
		LastSuggestTime:  c.state.LastSuggestTime,
	}
}

// State returns a copy of the tuner state
func (c *Controller) State() types.TunerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset clears the window and the decision history. The knob keeps its value.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window.Clear()
	c.state.HistoryLen = 0
	c.state.LastSuggestTime = time.Time{}

	c.logger.Warn().Int("knob", c.state.Knob.Value).Msg("Tuner reset")
	c.persistLocked(nil)
	c.publishGauges()

	if c.cfg.Events != nil {
		c.cfg.Events.Publish(&events.Event{
			Type:    events.EventTunerReset,
			Message: "window and history cleared",
		})
	}
}

// Run evaluates the window on every tick until ctx is done
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.SampleInterval
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.MaybeDecide(c.cfg.Clock())
		case <-ctx.Done():
			return
		}
	}
}

// persistLocked saves the state and, when rec is set, appends it to the
// history. Failures are logged: the in-memory decision stands.
func (c *Controller) persistLocked(rec *types.DecisionRecord) {
	if c.cfg.Saver == nil {
		return
	}

	state := c.state
	if err := c.cfg.Saver.SaveTunerState(&state); err != nil {
		metrics.StatePersistErrors.Inc()
		metrics.UpdateComponent(metrics.ComponentTuner, false, err.Error())
		c.logger.Error().Err(err).Msg("Failed to persist tuner state")
		return
	}
	if rec != nil {
		if err := c.cfg.Saver.AppendDecision(rec); err != nil {
			metrics.StatePersistErrors.Inc()
			c.logger.Error().Err(err).Msg("Failed to append decision history")
			return
		}
	}
	metrics.UpdateComponent(metrics.ComponentTuner, true, "")
}

func (c *Controller) publishGauges() {
	metrics.KnobValue.Set(float64(c.state.Knob.Value))
	metrics.HistoryLen.Set(float64(c.state.HistoryLen))
	metrics.WindowPopulation.Set(float64(c.window.Len()))
}
