package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// readinessResponse is the body returned by the retrieval service's
// /health/embeddings and /ready endpoints
type readinessResponse struct {
	OK *bool `json:"ok"`
}

// ReadinessChecker queries an endpoint answering {"ok": bool}. A check passes
// only on a 2xx response whose body carries ok=true.
type ReadinessChecker struct {
	name   string
	URL    string
	Client *http.Client
}

// NewReadinessChecker creates a checker named name for url
func NewReadinessChecker(name, url string) *ReadinessChecker {
	return &ReadinessChecker{
		name: name,
		URL:  url,
		Client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Name returns the checker name
func (r *ReadinessChecker) Name() string {
	return r.name
}

// WithTimeout sets the HTTP client timeout
func (r *ReadinessChecker) WithTimeout(timeout time.Duration) *ReadinessChecker {
	r.Client.Timeout = timeout
	return r
}

// Check performs the readiness request
func (r *ReadinessChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(format string, args ...any) Result {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return fail("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var body readinessResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return fail("malformed readiness body: %v", err)
	}
	if body.OK == nil {
		return fail("readiness body missing ok field")
	}
	if !*body.OK {
		return fail("%s reported ok=false", r.name)
	}

	return Result{
		Healthy:   true,
		Message:   "ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
