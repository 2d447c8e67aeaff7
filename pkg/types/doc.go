/*
Package types defines the data model shared by every knobd package.

  - MetricSample: one immutable observation (p95 latency, recall@k, coverage, group tag)
  - KnobState / TunerState: the tunable parameter, its bounds, and the controller's durable state
  - PolicyDefinition: a named bundle of knob presets and SLOs, also called an arm
  - PolicyRecord: the persisted record of the active policy
  - CanaryBucket / CanaryReport: online canary aggregation and its derived verdict

Records that cross a process boundary (read from disk, decoded from HTTP) are checked
with Validate, which combines go-playground/validator struct tags with the knob bounds
invariant lower_bound <= value <= upper_bound. Malformed records are rejected instead
of being defaulted.
*/
package types
