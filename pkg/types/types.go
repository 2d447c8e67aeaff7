package types

import (
	"fmt"
	"time"
)

// GroupTag identifies which side of a canary split a sample belongs to
type GroupTag string

const (
	GroupNone      GroupTag = ""
	GroupControl   GroupTag = "control"
	GroupTreatment GroupTag = "treatment"
)

// MetricSample is a single observation reported by the retrieval service.
// Samples are immutable once recorded.
type MetricSample struct {
	Timestamp    time.Time `json:"timestamp" validate:"required"`
	P95LatencyMs float64   `json:"p95_latency_ms" validate:"gte=0"`
	RecallAtK    float64   `json:"recall_at_k" validate:"gte=0,lte=1"`
	Coverage     float64   `json:"coverage" validate:"gte=0,lte=1"`
	Group        GroupTag  `json:"group_tag,omitempty" validate:"omitempty,oneof=control treatment"`
}

// SLO holds the service level objectives the controller steers towards
type SLO struct {
	P95Ms  float64 `json:"p95_ms" yaml:"p95_ms" validate:"gt=0"`
	Recall float64 `json:"recall" yaml:"recall" validate:"gt=0,lte=1"`
}

// KnobState is the tunable search-breadth parameter and its bounds
type KnobState struct {
	Value         int       `json:"value" yaml:"value"`
	LowerBound    int       `json:"lower_bound" yaml:"lower_bound"`
	UpperBound    int       `json:"upper_bound" yaml:"upper_bound"`
	StepSize      int       `json:"step_size" yaml:"step_size" validate:"gt=0"`
	LastChangedAt time.Time `json:"last_changed_at" yaml:"-"`
}

// Validate checks lower_bound <= value <= upper_bound and a positive step
func (k KnobState) Validate() error {
	if k.LowerBound > k.UpperBound {
		return fmt.Errorf("knob lower bound %d exceeds upper bound %d", k.LowerBound, k.UpperBound)
	}
	if !k.InBounds(k.Value) {
		return fmt.Errorf("knob value %d outside [%d, %d]", k.Value, k.LowerBound, k.UpperBound)
	}
	if k.StepSize <= 0 {
		return fmt.Errorf("knob step size must be positive, got %d", k.StepSize)
	}
	return nil
}

// InBounds reports whether v lies within the knob bounds
func (k KnobState) InBounds(v int) bool {
	return v >= k.LowerBound && v <= k.UpperBound
}

// Clamp restricts v to the knob bounds
func (k KnobState) Clamp(v int) int {
	if v < k.LowerBound {
		return k.LowerBound
	}
	if v > k.UpperBound {
		return k.UpperBound
	}
	return v
}

// TunerState is the durable state of the adaptive controller
type TunerState struct {
	Knob            KnobState `json:"knob"`
	HistoryLen      int       `json:"history_len" validate:"gte=0"`
	LastSuggestTime time.Time `json:"last_suggest_time"`
}

// PolicyDefinition is a named, immutable bundle of knob presets (an "arm")
type PolicyDefinition struct {
	Name        string    `json:"name" yaml:"name" validate:"required"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Knob        KnobState `json:"knob" yaml:"knob"`
	SLO         SLO       `json:"slo" yaml:"slo"`
}

// PolicyRecord is the single current-state record of the active policy
type PolicyRecord struct {
	PolicyName         string    `json:"policy_name" validate:"required"`
	AppliedAt          time.Time `json:"applied_at" validate:"required"`
	PreviousPolicyName string    `json:"previous_policy_name"`
}

// CanaryBucket groups the samples of one group within one fixed time interval
type CanaryBucket struct {
	BucketID int64          `json:"bucket_id"`
	Group    GroupTag       `json:"group_tag"`
	Samples  []MetricSample `json:"samples"`
}

// Valid reports whether the bucket reaches the minimum population
func (b *CanaryBucket) Valid(minPopulation int) bool {
	return len(b.Samples) >= minPopulation
}

// Verdict is the outcome of a canary evaluation
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// CanaryReport is derived from a canary run; it is regenerated per run and
// never mutated in place.
type CanaryReport struct {
	RunID           string    `json:"run_id"`
	Arm             string    `json:"arm,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
	DeltaP95Ms      float64   `json:"delta_p95_ms"`
	DeltaRecall     float64   `json:"delta_recall"`
	PValue          float64   `json:"p_value"`
	SafetyRate      float64   `json:"safety_rate"`
	ApplyRate       float64   `json:"apply_rate"`
	HitRate         *float64  `json:"hit_rate,omitempty"`
	BucketsUsed     int       `json:"buckets_used"`
	BucketsExcluded int       `json:"buckets_excluded"`
	Requests        int       `json:"requests"`
	Verdict         Verdict   `json:"verdict"`
	Failures        []string  `json:"failures,omitempty"`
}

// DecisionRecord is one entry of the tuner's decision history
type DecisionRecord struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Action     string    `json:"action"`
	From       int       `json:"from"`
	To         int       `json:"to"`
	Reason     string    `json:"reason"`
	HistoryLen int       `json:"history_len"`
}
