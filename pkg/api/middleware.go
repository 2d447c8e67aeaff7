package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/knobd/pkg/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug().
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("API request")
	})
}

// writeOnly blocks the wrapped route when the server is read-only
func (s *Server) writeOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.readOnly {
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error: "write operations not allowed on a read-only listener",
			})
			return
		}
		next(w, r)
	}
}
