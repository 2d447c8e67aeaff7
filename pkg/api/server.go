package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/knobd/pkg/client"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/tuner"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Tuner is the controller surface the server exposes
type Tuner interface {
	Suggest(ctx context.Context, sample types.MetricSample) (tuner.SuggestResult, error)
	Status() tuner.Status
	Reset()
}

// Option configures a Server
type Option func(*Server)

// WithReadOnly rejects state-changing routes with 403. Status, health and
// metrics stay available.
func WithReadOnly() Option {
	return func(s *Server) { s.readOnly = true }
}

// Server serves the operator HTTP surface of a running controller
type Server struct {
	tuner    Tuner
	mux      *http.ServeMux
	readOnly bool
	http     *http.Server
	logger   zerolog.Logger
}

// NewServer creates a server for t and registers its routes
func NewServer(t Tuner, opts ...Option) *Server {
	s := &Server{
		tuner:  t,
		mux:    http.NewServeMux(),
		logger: log.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.Handle("POST /suggest", s.instrument("suggest", s.writeOnly(s.handleSuggest)))
	s.mux.Handle("POST /tuner/metrics", s.instrument("tuner_metrics", s.writeOnly(s.handleTunerMetrics)))
	s.mux.Handle("GET /status", s.instrument("status", s.handleStatus))
	s.mux.Handle("POST /reset", s.instrument("reset", s.writeOnly(s.handleReset)))
	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.Handle("GET /ready", metrics.ReadyHandler())
	s.mux.Handle("GET /livez", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Bool("read_only", s.readOnly).Msg("API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ErrorResponse is the body of every non-2xx API reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// MetricsAck is returned by POST /tuner/metrics
type MetricsAck struct {
	HistoryLen int          `json:"history_len"`
	Decision   tuner.Action `json:"decision"`
}

// ResetResponse is returned by POST /reset
type ResetResponse struct {
	OK     bool         `json:"ok"`
	Status tuner.Status `json:"status"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var sample types.MetricSample
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sample); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid sample: %v", err)})
		return
	}

	res, err := s.tuner.Suggest(r.Context(), sample)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if r.Context().Err() != nil {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTunerMetrics accepts the service-style {p95_ms, recall_at_10,
// coverage} report and answers {history_len}
func (s *Server) handleTunerMetrics(w http.ResponseWriter, r *http.Request) {
	var report client.MetricsReport
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&report); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid report: %v", err)})
		return
	}

	res, err := s.tuner.Suggest(r.Context(), types.MetricSample{
		P95LatencyMs: report.P95Ms,
		RecallAtK:    report.RecallAt10,
		Coverage:     report.Coverage,
	})
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, MetricsAck{HistoryLen: res.HistoryLen, Decision: res.Decision.Action})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tuner.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.tuner.Reset()
	writeJSON(w, http.StatusOK, ResetResponse{OK: true, Status: s.tuner.Status()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
