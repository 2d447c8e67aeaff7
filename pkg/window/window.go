// Package window maintains the rolling buffer of metric samples the tuner
// decides on.
package window

import (
	"time"

	"github.com/cuemby/knobd/pkg/stats"
	"github.com/cuemby/knobd/pkg/types"
)

// Aggregate summarises a window once it holds enough samples
type Aggregate struct {
	// P95Ms is the worst p95 latency observed in the window
	P95Ms    float64 `json:"p95_ms"`
	Recall   float64 `json:"recall"`
	Coverage float64 `json:"coverage"`
	Count    int     `json:"count"`
}

// Window is an ordered, time-bounded sequence of samples.
// It is not safe for concurrent use.
type Window struct {
	horizon time.Duration
	samples []types.MetricSample
}

// New creates a window evicting samples older than horizon. A zero horizon
// keeps samples until Clear.
func New(horizon time.Duration) *Window {
	return &Window{horizon: horizon}
}

// Ingest appends a sample and evicts entries older than the horizon relative
// to the newest sample.
func (w *Window) Ingest(s types.MetricSample) {
	w.samples = append(w.samples, s)
	newest := s.Timestamp
	for _, x := range w.samples {
		if x.Timestamp.After(newest) {
			newest = x.Timestamp
		}
	}
	w.Evict(newest)
}

// Evict drops samples older than now - horizon
func (w *Window) Evict(now time.Time) {
	if w.horizon <= 0 {
		return
	}
	cutoff := now.Add(-w.horizon)
	kept := w.samples[:0]
	for _, s := range w.samples {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	clear(w.samples[len(kept):])
	w.samples = kept
}

// Len returns the window population
func (w *Window) Len() int {
	return len(w.samples)
}

// Clear empties the window
func (w *Window) Clear() {
	w.samples = nil
}

// Aggregate returns the window statistics, or false when fewer than
// minSamples are buffered.
func (w *Window) Aggregate(minSamples int) (Aggregate, bool) {
	if len(w.samples) == 0 || len(w.samples) < minSamples {
		return Aggregate{Count: len(w.samples)}, false
	}

	p95 := make([]float64, len(w.samples))
	recall := make([]float64, len(w.samples))
	coverage := make([]float64, len(w.samples))
	for i, s := range w.samples {
		p95[i] = s.P95LatencyMs
		recall[i] = s.RecallAtK
		coverage[i] = s.Coverage
	}

	return Aggregate{
		P95Ms:    stats.Max(p95),
		Recall:   stats.Mean(recall),
		Coverage: stats.Mean(coverage),
		Count:    len(w.samples),
	}, true
}
