package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/knobd/pkg/events"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/storage"
	"github.com/cuemby/knobd/pkg/switcher"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/rs/zerolog"
)

// RecordReader reads the committed policy record
type RecordReader interface {
	Read(ctx context.Context) (*types.PolicyRecord, error)
}

// PolicyReader reports the policy the service is running
type PolicyReader interface {
	CurrentPolicy(ctx context.Context) (string, error)
}

// Repairer re-applies a committed record, aborting with
// switcher.ErrStaleRecord when the record changed after it was read;
// *switcher.Switcher satisfies it
type Repairer interface {
	Reassert(ctx context.Context, expected *types.PolicyRecord) (*switcher.Result, error)
}

// Config holds configuration for creating a Reconciler
type Config struct {
	Store   RecordReader
	Service PolicyReader
	// Repair re-applies the committed policy on drift; nil only reports
	Repair   Repairer
	Events   events.Publisher
	Interval time.Duration
}

// Outcome of one reconciliation cycle
type Outcome string

const (
	OutcomeNoRecord Outcome = "no_record"
	OutcomeInSync   Outcome = "in_sync"
	OutcomeDrift    Outcome = "drift"
	OutcomeRepaired Outcome = "repaired"
	// OutcomeSuperseded: another switch committed while the cycle ran; the
	// next cycle compares against the new record
	OutcomeSuperseded Outcome = "superseded"
	OutcomeError      Outcome = "error"
)

// Report describes one reconciliation cycle
type Report struct {
	Outcome Outcome `json:"outcome"`
	Desired string  `json:"desired,omitempty"`
	Actual  string  `json:"actual,omitempty"`
}

// Reconciler ensures the service runs the committed policy
type Reconciler struct {
	cfg    Config
	mu     sync.Mutex
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle: compare the committed record with the
// service and, when configured, re-apply the committed policy on drift.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	rep, err := r.reconcile(ctx)
	metrics.ReconciliationCyclesTotal.WithLabelValues(string(rep.Outcome)).Inc()
	return rep, err
}

func (r *Reconciler) reconcile(ctx context.Context) (Report, error) {
	rec, err := r.cfg.Store.Read(ctx)
	if errors.Is(err, storage.ErrNoRecord) {
		metrics.PolicyDrift.Set(0)
		return Report{Outcome: OutcomeNoRecord}, nil
	}
	if err != nil {
		return Report{Outcome: OutcomeError}, fmt.Errorf("failed to read policy record: %w", err)
	}

	rep := Report{Desired: rec.PolicyName}
	rep.Actual, err = r.cfg.Service.CurrentPolicy(ctx)
	if err != nil {
		rep.Outcome = OutcomeError
		return rep, fmt.Errorf("failed to fetch current policy: %w", err)
	}

	if rep.Actual == rep.Desired {
		metrics.PolicyDrift.Set(0)
		rep.Outcome = OutcomeInSync
		return rep, nil
	}

	metrics.PolicyDrift.Set(1)
	rep.Outcome = OutcomeDrift
	r.logger.Warn().
		Str("desired", rep.Desired).
		Str("actual", rep.Actual).
		Bool("repair", r.cfg.Repair != nil).
		Msg("Service drifted from committed policy")
	r.publish(rep)

	if r.cfg.Repair == nil {
		return rep, nil
	}

	if _, err := r.cfg.Repair.Reassert(ctx, rec); err != nil {
		if errors.Is(err, switcher.ErrStaleRecord) {
			rep.Outcome = OutcomeSuperseded
			r.logger.Info().Str("policy", rep.Desired).Msg("Committed policy changed during the cycle, repair skipped")
			return rep, nil
		}
		return rep, fmt.Errorf("failed to re-apply %s: %w", rep.Desired, err)
	}
	metrics.PolicyDrift.Set(0)
	rep.Outcome = OutcomeRepaired
	r.logger.Info().Str("policy", rep.Desired).Msg("Committed policy re-applied")
	return rep, nil
}

func (r *Reconciler) publish(rep Report) {
	if r.cfg.Events == nil {
		return
	}
	r.cfg.Events.Publish(&events.Event{
		Type:    events.EventPolicyDrift,
		Message: fmt.Sprintf("service runs %s, committed %s", rep.Actual, rep.Desired),
		Metadata: map[string]string{
			"desired": rep.Desired,
			"actual":  rep.Actual,
		},
	})
}
