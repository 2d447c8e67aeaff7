/*
Package client is the HTTP/JSON client for the retrieval service knobd tunes.

Endpoints used:

	GET  /health/embeddings  -> {"ok": bool}
	GET  /ready              -> {"ok": bool}
	GET  /policy/current     -> {"policy_name": string}
	POST /policy/apply       <- {"policy_name": string}
	POST /tuner/metrics      <- {"p95_ms", "recall_at_10", "coverage"} -> {"history_len"}
	POST /search             <- {"query", "k", "arm"} -> {"ids", "policy_applied", "safe"}

Policy and metrics calls are retried with retry.Policy on transport errors,
5xx and 429 responses; other 4xx responses fail immediately with a
*StatusError. Health and search calls are never retried.

	c := client.New("http://localhost:8080", client.WithTimeout(5*time.Second))
	name, err := c.CurrentPolicy(ctx)
*/
package client
