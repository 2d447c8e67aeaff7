/*
Package config loads knobd configuration.

Values come from three layers, later ones winning:

 1. built-in defaults (Default)
 2. an optional YAML file loaded with koanf
 3. the environment: KNOBD_BASE_URL, KNOBD_STATE_PATH, KNOBD_DATA_DIR and
    KNOBD_LOG_LEVEL

Command-line flags override the result in cmd/knobd. The merged
configuration is validated before use.

Example file:

	base_url: http://retrieval:8080
	state_path: /var/lib/knobd/policy.json
	tuner:
	  knob: {value: 128, lower_bound: 64, upper_bound: 256, step_size: 16}
	  slo_p95_ms: 1000
	  slo_recall: 0.90
	  sample_interval: 10s
	canary:
	  treatment_arm: fast_v1
	  gate:
	    quality_mode: significance_or_hit_rate
*/
package config
