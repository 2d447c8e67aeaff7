/*
Package metrics provides Prometheus metrics and component health for knobd.

All collectors are registered with the default Prometheus registry at package init
and exposed through Handler on /metrics. Health and readiness of the components a
running controller depends on are tracked in a small registry served on /health and
/ready.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌──────────────┐   ┌──────────────┐   ┌──────────────┐  │
	│  │    tuner     │   │   switcher   │   │    canary    │  │
	│  │ knob, window │   │ switches,    │   │ requests,    │  │
	│  │ decisions    │   │ lock waits   │   │ p-value      │  │
	│  └──────┬───────┘   └──────┬───────┘   └──────┬───────┘  │
	│         └──────────────────┼──────────────────┘          │
	│                            ▼                               │
	│               Prometheus DefaultRegistry                   │
	│                            │                               │
	│                            ▼                               │
	│             GET /metrics (promhttp.Handler)                │
	│                                                            │
	│  Component health: tuner, state_store, backend             │
	│    GET /health  -> healthy | degraded | unhealthy          │
	│    GET /ready   -> ready | not_ready (critical components) │
	└────────────────────────────────────────────────────────────┘

# Metrics Catalog

Tuner:
  - knobd_knob_value: current knob value
  - knobd_tuner_history_len: adjustments since last reset
  - knobd_window_population: buffered samples
  - knobd_samples_ingested_total
  - knobd_decisions_total{action}: none, hold, decrease, increase
  - knobd_state_persist_errors_total

Switcher:
  - knobd_policy_switches_total{arm, outcome}: committed, dry_run, health_gate, fetch_current, apply, verify, lock, stale, error
  - knobd_policy_switch_duration_seconds
  - knobd_state_lock_wait_seconds{mode}: shared, exclusive

Canary:
  - knobd_canary_requests_total{group, status}
  - knobd_canary_buckets_excluded_total
  - knobd_canary_p_value

Reconciler:
  - knobd_policy_drift: 1 while the service disagrees with the committed record
  - knobd_reconciliation_cycles_total{outcome}: no_record, in_sync, drift, repaired, superseded, error
  - knobd_reconciliation_duration_seconds

API:
  - knobd_api_requests_total{route, status}
  - knobd_api_request_duration_seconds{route}

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PolicySwitchDuration)

	metrics.RegisterComponent(metrics.ComponentStateStore, true, "")
	mux.Handle("/metrics", metrics.Handler())
*/
package metrics
