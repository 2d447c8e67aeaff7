package health

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GateResult is the combined outcome of every checker behind a Gate
type GateResult struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]Result `json:"checks"`
}

// Reason summarises the failing checks
func (g GateResult) Reason() string {
	if g.Healthy {
		return ""
	}
	var parts []string
	for name, r := range g.Checks {
		if !r.Healthy {
			parts = append(parts, fmt.Sprintf("%s: %s", name, r.Message))
		}
	}
	if len(parts) == 0 {
		return "no health checks configured"
	}
	return strings.Join(parts, "; ")
}

// Gate is healthy only when every checker passes. The checks run in order
// and stop at the first failure.
type Gate struct {
	checkers []Checker
	timeout  time.Duration
}

// NewGate creates a gate over checkers. Each check is bounded by timeout
// when it is positive.
func NewGate(timeout time.Duration, checkers ...Checker) *Gate {
	return &Gate{checkers: checkers, timeout: timeout}
}

// ServiceGate returns the gate used before a policy switch: embedding
// health and overall readiness of the retrieval service at baseURL.
func ServiceGate(baseURL string, timeout time.Duration) *Gate {
	base := strings.TrimRight(baseURL, "/")
	return NewGate(timeout,
		NewReadinessChecker("embeddings", base+"/health/embeddings"),
		NewReadinessChecker("ready", base+"/ready"),
	)
}

// Name returns the gate name
func (g *Gate) Name() string {
	return "gate"
}

// Evaluate runs the checks and reports each outcome
func (g *Gate) Evaluate(ctx context.Context) GateResult {
	res := GateResult{Healthy: len(g.checkers) > 0, Checks: make(map[string]Result, len(g.checkers))}

	for _, c := range g.checkers {
		checkCtx := ctx
		cancel := func() {}
		if g.timeout > 0 {
			checkCtx, cancel = context.WithTimeout(ctx, g.timeout)
		}
		r := c.Check(checkCtx)
		cancel()

		res.Checks[c.Name()] = r
		if !r.Healthy {
			res.Healthy = false
			break
		}
	}
	return res
}

// Check lets a Gate be used wherever a Checker is expected
func (g *Gate) Check(ctx context.Context) Result {
	start := time.Now()
	res := g.Evaluate(ctx)
	msg := "ok"
	if !res.Healthy {
		msg = res.Reason()
	}
	return Result{
		Healthy:   res.Healthy,
		Message:   msg,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
