/*
Package api serves the operator HTTP surface of a running knobd controller.

Routes:

	POST /suggest         ingest one metric sample and evaluate the window
	POST /tuner/metrics   same, taking {p95_ms, recall_at_10, coverage}
	GET  /status          history length, knob value and window population
	POST /reset           clear the window and the decision history
	GET  /health          component health (200 healthy, 503 unhealthy)
	GET  /ready           readiness of critical components
	GET  /livez           process liveness
	GET  /metrics         Prometheus exposition

A /suggest body is a metric sample:

	{"p95_latency_ms": 1200, "recall_at_k": 0.97, "coverage": 1.0}

An omitted timestamp is stamped on arrival. Malformed JSON is rejected with
400 and out-of-range values with 422; neither touches the window.

Servers built with WithReadOnly refuse /suggest, /tuner/metrics and /reset
with 403.
*/
package api
