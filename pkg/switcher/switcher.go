package switcher

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/knobd/pkg/events"
	"github.com/cuemby/knobd/pkg/health"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/policy"
	"github.com/cuemby/knobd/pkg/storage"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/rs/zerolog"
)

// Phase is a state of the switch state machine
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseHealthChecking  Phase = "health_checking"
	PhaseFetchingCurrent Phase = "fetching_current"
	PhaseApplying        Phase = "applying"
	PhaseVerifying       Phase = "verifying"
	PhaseCommitted       Phase = "committed"
	PhaseAborted         Phase = "aborted"
)

// Audit tags
const (
	TagSelect       = "BANDIT_SELECT"
	TagSelectDryRun = "BANDIT_SELECT (dryrun)"
	TagAbort        = "SELECT_ABORT"
)

const dryRunReason = "dry run: no state change"

// Service is the slice of the retrieval service the switcher drives
type Service interface {
	Health(ctx context.Context) health.GateResult
	CurrentPolicy(ctx context.Context) (string, error)
	ApplyPolicy(ctx context.Context, name string) error
}

// Result describes one switch attempt
type Result struct {
	Arm       string              `json:"arm"`
	Prev      string              `json:"prev,omitempty"`
	DryRun    bool                `json:"dry_run"`
	Phase     Phase               `json:"phase"`
	Tag       string              `json:"tag"`
	AppliedAt *time.Time          `json:"applied_at,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	ExitCode  int                 `json:"exit_code"`
	Record    *types.PolicyRecord `json:"record,omitempty"`
}

// Config holds configuration for creating a Switcher
type Config struct {
	Store    storage.StateStore
	Service  Service
	Registry *policy.Registry
	Events   events.Publisher

	// Audit receives the BANDIT_SELECT / SELECT_ABORT lines. Defaults to the
	// global logger.
	Audit *zerolog.Logger
	Clock func() time.Time
}

// Switcher performs health-gated policy transitions. The state lock is held
// from the health check until the record is committed, so at most one
// transition is in flight across every process sharing the store.
type Switcher struct {
	store    storage.StateStore
	svc      Service
	registry *policy.Registry
	events   events.Publisher
	audit    zerolog.Logger
	clock    func() time.Time
}

// New creates a switcher
func New(cfg Config) *Switcher {
	s := &Switcher{
		store:    cfg.Store,
		svc:      cfg.Service,
		registry: cfg.Registry,
		events:   cfg.Events,
		clock:    cfg.Clock,
	}
	if s.registry == nil {
		s.registry = policy.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if cfg.Audit != nil {
		s.audit = cfg.Audit.With().Str("component", "switcher").Logger()
	} else {
		s.audit = log.WithComponent("switcher")
	}
	return s
}

// Apply switches the service to arm. Unknown arms are rejected before any
// lock is taken. With dryRun the health gate and current policy are checked
// and nothing is mutated. Every failure returns an *Error carrying the exit
// code and leaves the persisted record untouched.
func (s *Switcher) Apply(ctx context.Context, arm string, dryRun bool) (*Result, error) {
	return s.transition(ctx, arm, dryRun, nil)
}

// Reassert re-applies the policy named by expected, a record read earlier
// without the lock. If another switch has committed since, the record no
// longer matches and Reassert aborts with ErrStaleRecord before touching the
// service.
func (s *Switcher) Reassert(ctx context.Context, expected *types.PolicyRecord) (*Result, error) {
	return s.transition(ctx, expected.PolicyName, false, expected)
}

func (s *Switcher) transition(ctx context.Context, arm string, dryRun bool, expected *types.PolicyRecord) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PolicySwitchDuration)

	res := &Result{Arm: arm, DryRun: dryRun, Phase: PhaseIdle}

	if !s.registry.Has(arm) {
		_, cause := s.registry.Get(arm)
		err := abort(ExitUsage, PhaseIdle, ErrUnknownArm, cause)
		return s.aborted(res, err, "unknown_arm"), err
	}

	var committed *types.PolicyRecord
	err := s.store.Update(ctx, func(cur *types.PolicyRecord) (*types.PolicyRecord, error) {
		if expected != nil && !sameRecord(cur, expected) {
			committedName := "none"
			if cur != nil {
				committedName = cur.PolicyName
			}
			return nil, abort(ExitFailure, PhaseIdle, ErrStaleRecord, errors.New("committed policy is now "+committedName))
		}

		res.Phase = PhaseHealthChecking
		if gate := s.svc.Health(ctx); !gate.Healthy {
			return nil, abort(ExitHealthGate, res.Phase, ErrHealthGate, errors.New(gate.Reason()))
		}

		res.Phase = PhaseFetchingCurrent
		prev, err := s.svc.CurrentPolicy(ctx)
		if err != nil {
			return nil, abort(ExitFetchCurrent, res.Phase, ErrFetchCurrent, err)
		}
		res.Prev = prev

		if dryRun {
			return nil, nil
		}

		res.Phase = PhaseApplying
		if err := s.svc.ApplyPolicy(ctx, arm); err != nil {
			return nil, abort(ExitApply, res.Phase, ErrApply, err)
		}

		res.Phase = PhaseVerifying
		got, err := s.svc.CurrentPolicy(ctx)
		if err != nil {
			return nil, abort(ExitVerifyMismatch, res.Phase, ErrVerifyMismatch, err)
		}
		if got != arm {
			return nil, abort(ExitVerifyMismatch, res.Phase, ErrVerifyMismatch,
				errors.New("service reports "+got+", expected "+arm))
		}

		committed = &types.PolicyRecord{
			PolicyName:         arm,
			AppliedAt:          s.clock().UTC(),
			PreviousPolicyName: prev,
		}
		return committed, nil
	})

	if err != nil {
		var se *Error
		switch {
		case errors.As(err, &se):
		case errors.Is(err, storage.ErrLockTimeout):
			se = &Error{Code: ExitLockTimeout, Phase: PhaseIdle, Err: err}
		default:
			se = &Error{Code: ExitFailure, Phase: res.Phase, Err: err}
		}
		outcome := outcomeFor(se.Code)
		if errors.Is(se, ErrStaleRecord) {
			outcome = "stale"
		}
		return s.aborted(res, se, outcome), se
	}

	if dryRun {
		res.Tag = TagSelectDryRun
		res.Reason = dryRunReason
		s.audit.Info().
			Str("tag", TagSelectDryRun).
			Str("arm", arm).
			Str("reason", res.Reason).
			Str("prev", res.Prev).
			Msg(TagSelectDryRun)
		metrics.PolicySwitchesTotal.WithLabelValues(arm, "dry_run").Inc()
		s.publish(events.EventPolicyDryRun, res, res.Reason)
		return res, nil
	}

	res.Phase = PhaseCommitted
	res.Tag = TagSelect
	res.Record = committed
	appliedAt := committed.AppliedAt
	res.AppliedAt = &appliedAt

	s.audit.Info().
		Str("tag", TagSelect).
		Str("arm", arm).
		Time("applied_at", appliedAt).
		Str("prev", res.Prev).
		Msg(TagSelect)
	metrics.PolicySwitchesTotal.WithLabelValues(arm, "committed").Inc()
	s.publish(events.EventPolicyApplied, res, "policy committed")
	return res, nil
}

func (s *Switcher) aborted(res *Result, err *Error, outcome string) *Result {
	res.Phase = PhaseAborted
	res.Tag = TagAbort
	res.Reason = err.Err.Error()
	res.ExitCode = err.Code

	LogAbort(s.audit.With().Str("arm", res.Arm).Logger(), err.Code, err.Phase, res.Reason, res.Prev)
	metrics.PolicySwitchesTotal.WithLabelValues(res.Arm, outcome).Inc()
	s.publish(events.EventPolicyAborted, res, res.Reason)
	return res
}

// LogAbort writes a SELECT_ABORT audit line. audit is expected to carry the
// arm; callers that fail before a Switcher exists use log.WithArm.
func LogAbort(audit zerolog.Logger, code int, phase Phase, reason, prev string) {
	audit.Warn().
		Str("tag", TagAbort).
		Str("phase", string(phase)).
		Str("reason", reason).
		Str("prev", prev).
		Int("exit_code", code).
		Msg(TagAbort)
}

func (s *Switcher) publish(t events.EventType, res *Result, msg string) {
	if s.events == nil {
		return
	}
	s.events.Publish(&events.Event{
		Type:      t,
		Timestamp: s.clock(),
		Message:   msg,
		Metadata: map[string]string{
			"arm":  res.Arm,
			"prev": res.Prev,
			"tag":  res.Tag,
		},
	})
}

func sameRecord(cur, expected *types.PolicyRecord) bool {
	return cur != nil &&
		cur.PolicyName == expected.PolicyName &&
		cur.AppliedAt.Equal(expected.AppliedAt)
}

func outcomeFor(code int) string {
	switch code {
	case ExitHealthGate:
		return "health_gate"
	case ExitFetchCurrent:
		return "fetch_current"
	case ExitApply:
		return "apply"
	case ExitVerifyMismatch:
		return "verify"
	case ExitLockTimeout:
		return "lock"
	default:
		return "error"
	}
}
