package tuner

import (
	"fmt"

	"github.com/cuemby/knobd/pkg/types"
	"github.com/cuemby/knobd/pkg/window"
)

// Action is the kind of adjustment a decision makes
type Action string

const (
	// ActionNone means no decision was taken: the interval has not elapsed or
	// the window is under-populated.
	ActionNone     Action = "none"
	ActionHold     Action = "hold"
	ActionDecrease Action = "decrease"
	ActionIncrease Action = "increase"
)

// Decision is the outcome of one evaluation of the window
type Decision struct {
	Action    Action           `json:"decision"`
	From      int              `json:"from"`
	To        int              `json:"to"`
	Reason    string           `json:"reason"`
	Aggregate window.Aggregate `json:"aggregate"`
}

// Changed reports whether the decision moves the knob
func (d Decision) Changed() bool {
	return (d.Action == ActionIncrease || d.Action == ActionDecrease) && d.From != d.To
}

// Direction returns -1, 0 or +1 for decrease, no change and increase
func (d Decision) Direction() int {
	if !d.Changed() {
		return 0
	}
	if d.To > d.From {
		return 1
	}
	return -1
}

// Decide maps window aggregates onto at most one bounded knob step.
// It is pure: the knob passed in is not modified.
func Decide(agg window.Aggregate, knob types.KnobState, slo types.SLO) Decision {
	d := Decision{
		Action:    ActionHold,
		From:      knob.Value,
		To:        knob.Value,
		Aggregate: agg,
	}

	switch {
	case agg.P95Ms > slo.P95Ms && agg.Recall >= slo.Recall:
		next := knob.Clamp(knob.Value - knob.StepSize)
		if next == knob.Value {
			d.Reason = fmt.Sprintf("p95 %.0fms over SLO %.0fms but knob pinned at lower bound %d", agg.P95Ms, slo.P95Ms, knob.LowerBound)
			return d
		}
		d.Action = ActionDecrease
		d.To = next
		d.Reason = fmt.Sprintf("p95 %.0fms over SLO %.0fms with recall %.3f satisfied", agg.P95Ms, slo.P95Ms, agg.Recall)
	case agg.Recall < slo.Recall:
		next := knob.Clamp(knob.Value + knob.StepSize)
		if next == knob.Value {
			d.Reason = fmt.Sprintf("recall %.3f under SLO %.3f but knob pinned at upper bound %d", agg.Recall, slo.Recall, knob.UpperBound)
			return d
		}
		d.Action = ActionIncrease
		d.To = next
		d.Reason = fmt.Sprintf("recall %.3f under SLO %.3f", agg.Recall, slo.Recall)
	default:
		d.Reason = "within SLO"
	}

	return d
}
