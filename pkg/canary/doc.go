/*
Package canary compares a treatment arm against a control arm on live traffic.

A Runner sends alternating control and treatment probes through a bounded
worker pool (errgroup with a concurrency limit), optionally throttled by a
token bucket. Each completed probe becomes a MetricSample recorded in an
Aggregator, which assigns it to bucket floor(timestamp / width) for its group.

Aggregate computes the P95 (nearest-rank) and mean recall of every
(bucket, group) pair. Pairs below the minimum population are kept for audit
but excluded from the final deltas:

	delta_p95_ms = mean(control bucket P95) - mean(treatment bucket P95)
	delta_recall = mean(treatment bucket recall) - mean(control bucket recall)

Gate runs a permutation test on the per-bucket P95 values and checks the
thresholds (p < 0.05, delta_recall >= -0.01, safety >= 0.99, apply >= 0.95,
delta_p95 > 0). QualityMode decides whether a high hit rate may stand in for
significance.

A cancelled or timed-out run still yields a report built from whatever was
collected.
*/
package canary
