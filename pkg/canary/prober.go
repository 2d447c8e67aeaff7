package canary

import (
	"context"
	"time"

	"github.com/cuemby/knobd/pkg/client"
)

// Query is one canary probe query with optional relevance judgments
type Query struct {
	Text     string   `json:"query" yaml:"query"`
	Relevant []string `json:"relevant,omitempty" yaml:"relevant"`
}

// ProbeResult is the outcome of a single probe request
type ProbeResult struct {
	Latency       time.Duration
	Recall        float64
	Coverage      float64
	Safe          bool
	PolicyApplied string
	// Judged is set when the query carried relevance judgments; Hit is only
	// meaningful then
	Judged bool
	Hit    bool
}

// Prober issues one request against the retrieval service under arm
type Prober interface {
	Probe(ctx context.Context, arm string, q Query, k int) (ProbeResult, error)
}

// Searcher is the part of the service client a ClientProber needs
type Searcher interface {
	Search(ctx context.Context, req client.SearchRequest) (*client.SearchResponse, error)
}

// ClientProber probes through the service's /search endpoint
type ClientProber struct {
	Searcher Searcher
}

// Probe times a search and scores the returned ids. With relevance
// judgments recall is |ids ∩ relevant| / min(k, |relevant|); without them
// the coverage of the k slots stands in for recall.
func (p *ClientProber) Probe(ctx context.Context, arm string, q Query, k int) (ProbeResult, error) {
	start := time.Now()
	resp, err := p.Searcher.Search(ctx, client.SearchRequest{Query: q.Text, K: k, Arm: arm})
	latency := time.Since(start)
	if err != nil {
		return ProbeResult{Latency: latency}, err
	}
	return Score(resp, q, k, latency), nil
}

// Score turns a search response into a ProbeResult
func Score(resp *client.SearchResponse, q Query, k int, latency time.Duration) ProbeResult {
	res := ProbeResult{
		Latency:       latency,
		Safe:          resp.Safe,
		PolicyApplied: resp.PolicyApplied,
	}

	ids := resp.IDs
	if k > 0 && len(ids) > k {
		ids = ids[:k]
	}
	if k > 0 {
		res.Coverage = float64(len(ids)) / float64(k)
	}

	if len(q.Relevant) == 0 {
		res.Recall = res.Coverage
		return res
	}

	relevant := make(map[string]struct{}, len(q.Relevant))
	for _, id := range q.Relevant {
		relevant[id] = struct{}{}
	}
	found := 0
	for _, id := range ids {
		if _, ok := relevant[id]; ok {
			found++
		}
	}

	denom := len(relevant)
	if k > 0 && k < denom {
		denom = k
	}
	res.Judged = true
	res.Hit = found > 0
	res.Recall = float64(found) / float64(denom)
	if res.Recall > 1 {
		res.Recall = 1
	}
	return res
}
