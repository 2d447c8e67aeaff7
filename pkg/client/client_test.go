package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/knobd/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Backoff: func(int) time.Duration { return time.Millisecond }}
}

type fakeService struct {
	mu      sync.Mutex
	current string
	applies []string
	healthy bool
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/embeddings", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": f.healthy})
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /policy/current", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(policyBody{PolicyName: f.current})
	})
	mux.HandleFunc("POST /policy/apply", func(w http.ResponseWriter, r *http.Request) {
		var body policyBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PolicyName == "" {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.current = body.PolicyName
		f.applies = append(f.applies, body.PolicyName)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /tuner/metrics", func(w http.ResponseWriter, r *http.Request) {
		var report MetricsReport
		_ = json.NewDecoder(r.Body).Decode(&report)
		_ = json.NewEncoder(w).Encode(metricsAck{HistoryLen: 4})
	})
	mux.HandleFunc("POST /search", func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(SearchResponse{IDs: []string{"d1", "d2"}, PolicyApplied: req.Arm, Safe: true})
	})
	return mux
}

func TestClient_PolicyRoundTrip(t *testing.T) {
	svc := &fakeService{current: "balanced_v1", healthy: true}
	server := httptest.NewServer(svc.handler())
	defer server.Close()

	c := New(server.URL+"/", WithRetry(fastRetry()))
	ctx := context.Background()

	name, err := c.CurrentPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "balanced_v1", name)

	require.NoError(t, c.ApplyPolicy(ctx, "fast_v1"))
	name, err = c.CurrentPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fast_v1", name)
	assert.Equal(t, []string{"fast_v1"}, svc.applies)
}

func TestClient_Health(t *testing.T) {
	svc := &fakeService{current: "balanced_v1", healthy: true}
	server := httptest.NewServer(svc.handler())
	defer server.Close()

	c := New(server.URL)
	assert.True(t, c.Health(context.Background()).Healthy)

	svc.mu.Lock()
	svc.healthy = false
	svc.mu.Unlock()

	res := c.Health(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Reason(), "embeddings")
}

func TestClient_ReportMetricsAndSearch(t *testing.T) {
	svc := &fakeService{current: "balanced_v1", healthy: true}
	server := httptest.NewServer(svc.handler())
	defer server.Close()

	c := New(server.URL)
	ctx := context.Background()

	n, err := c.ReportMetrics(ctx, MetricsReport{P95Ms: 900, RecallAt10: 0.93, Coverage: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	resp, err := c.Search(ctx, SearchRequest{Query: "q", K: 10, Arm: "fast_v1"})
	require.NoError(t, err)
	assert.Equal(t, "fast_v1", resp.PolicyApplied)
	assert.True(t, resp.Safe)
	assert.Len(t, resp.IDs, 2)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"policy_name":"quality_v1"}`))
	}))
	defer server.Close()

	c := New(server.URL, WithRetry(fastRetry()))
	name, err := c.CurrentPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "quality_v1", name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown policy", http.StatusBadRequest)
	}))
	defer server.Close()

	c := New(server.URL, WithRetry(fastRetry()))
	err := c.ApplyPolicy(context.Background(), "nope")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(server.URL, WithRetry(fastRetry()))
	_, err := c.CurrentPolicy(context.Background())
	assert.ErrorIs(t, err, retry.ErrExhausted)
}

func TestClient_EmptyPolicyName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := New(server.URL, WithRetry(fastRetry())).CurrentPolicy(context.Background())
	assert.Error(t, err)
}
