/*
Package health checks the readiness of the retrieval service knobd steers.

The service exposes two JSON signals, each answering {"ok": bool}:

	GET /health/embeddings   embedding backend health
	GET /ready               overall readiness

ReadinessChecker turns one endpoint into a Result. A check passes only on a
2xx status whose body carries ok=true; a missing field, a malformed body or a
transport error all count as unhealthy.

Gate combines checkers and is healthy only when all of them pass. ServiceGate
builds the gate the policy switcher consults before touching any state:

	gate := health.ServiceGate(baseURL, 5*time.Second)
	if res := gate.Evaluate(ctx); !res.Healthy {
		return fmt.Errorf("service unhealthy: %s", res.Reason())
	}

Monitor runs a checker on an interval, smooths flapping with a consecutive
failure threshold (Status) and publishes the outcome as a component in the
metrics health registry, which backs the /health and /ready endpoints.
*/
package health
