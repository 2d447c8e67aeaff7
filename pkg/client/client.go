package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/knobd/pkg/health"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/retry"
	"github.com/rs/zerolog"
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed (status %d): %s", e.Method, e.Path, e.Code, e.Body)
}

// Temporary reports whether the request is worth retrying
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// MetricsReport is posted to /tuner/metrics
type MetricsReport struct {
	P95Ms      float64 `json:"p95_ms"`
	RecallAt10 float64 `json:"recall_at_10"`
	Coverage   float64 `json:"coverage"`
}

// SearchRequest is posted to /search
type SearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
	Arm   string `json:"arm,omitempty"`
}

// SearchResponse is the /search answer
type SearchResponse struct {
	IDs           []string `json:"ids"`
	PolicyApplied string   `json:"policy_applied"`
	Safe          bool     `json:"safe"`
}

type policyBody struct {
	PolicyName string `json:"policy_name"`
}

type metricsAck struct {
	HistoryLen int `json:"history_len"`
}

// Client talks JSON over HTTP to the retrieval service. Every call takes a
// context and transient failures (transport errors, 5xx, 429) are retried
// through the configured policy.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Policy
	gate    *health.Gate
	logger  zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry replaces the retry policy
func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for the service at baseURL
func New(baseURL string, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
		retry:  retry.DefaultPolicy(),
		logger: log.WithComponent("client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	embeddings := health.NewReadinessChecker("embeddings", c.url("/health/embeddings"))
	embeddings.Client = c.http
	ready := health.NewReadinessChecker("ready", c.url("/ready"))
	ready.Client = c.http
	c.gate = health.NewGate(c.http.Timeout, embeddings, ready)

	return c
}

// BaseURL returns the service base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health evaluates embedding health and overall readiness. Health checks are
// not retried: a failing signal must surface immediately.
func (c *Client) Health(ctx context.Context) health.GateResult {
	return c.gate.Evaluate(ctx)
}

// CurrentPolicy returns the policy the service reports as active
func (c *Client) CurrentPolicy(ctx context.Context) (string, error) {
	var body policyBody
	if err := c.do(ctx, http.MethodGet, "/policy/current", nil, &body); err != nil {
		return "", err
	}
	if body.PolicyName == "" {
		return "", errors.New("service returned an empty policy_name")
	}
	return body.PolicyName, nil
}

// ApplyPolicy asks the service to switch to name
func (c *Client) ApplyPolicy(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/policy/apply", policyBody{PolicyName: name}, nil)
}

// ReportMetrics forwards a sample to the service's tuner endpoint and
// returns the history length it reports
func (c *Client) ReportMetrics(ctx context.Context, report MetricsReport) (int, error) {
	var ack metricsAck
	if err := c.do(ctx, http.MethodPost, "/tuner/metrics", report, &ack); err != nil {
		return 0, err
	}
	return ack.HistoryLen, nil
}

// Search issues one retrieval request. Search is not retried so canary
// request counts stay exact.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.doOnce(ctx, http.MethodPost, "/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.retry.Do(ctx, func(attempt int) error {
		err := c.doOnce(ctx, method, path, in, out)
		if err == nil {
			return nil
		}

		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return retry.Permanent(err)
		}
		c.logger.Debug().
			Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt).
			Msg("Request failed, retrying")
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reqBody)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	// Always read the body to completion for connection reuse
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}
