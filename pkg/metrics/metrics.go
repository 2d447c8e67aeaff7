package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tuner metrics
	KnobValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knobd_knob_value",
			Help: "Current value of the tuned search-breadth knob",
		},
	)

	HistoryLen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knobd_tuner_history_len",
			Help: "Number of knob adjustments applied since the last reset",
		},
	)

	WindowPopulation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knobd_window_population",
			Help: "Number of samples currently buffered in the decision window",
		},
	)

	SamplesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knobd_samples_ingested_total",
			Help: "Total number of metric samples ingested",
		},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knobd_decisions_total",
			Help: "Total number of tuner evaluations by action",
		},
		[]string{"action"},
	)

	StatePersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knobd_state_persist_errors_total",
			Help: "Total number of failures persisting tuner state",
		},
	)

	// Switcher metrics
	PolicySwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knobd_policy_switches_total",
			Help: "Total number of policy switch attempts by arm and outcome",
		},
		[]string{"arm", "outcome"},
	)

	PolicySwitchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knobd_policy_switch_duration_seconds",
			Help:    "Time taken by a health-gated policy switch",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knobd_state_lock_wait_seconds",
			Help:    "Time spent acquiring the policy state lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Canary metrics
	CanaryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knobd_canary_requests_total",
			Help: "Total number of canary probe requests by group and status",
		},
		[]string{"group", "status"},
	)

	CanaryBucketsExcluded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knobd_canary_buckets_excluded_total",
			Help: "Total number of canary buckets dropped below the population floor",
		},
	)

	CanaryPValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knobd_canary_p_value",
			Help: "p-value of the most recent canary evaluation",
		},
	)

	// Reconciler metrics
	PolicyDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knobd_policy_drift",
			Help: "1 when the service reports a policy other than the committed one",
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knobd_reconciliation_cycles_total",
			Help: "Total number of drift reconciliation cycles by outcome",
		},
		[]string{"outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knobd_reconciliation_duration_seconds",
			Help:    "Time taken for a drift reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knobd_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knobd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(KnobValue)
	prometheus.MustRegister(HistoryLen)
	prometheus.MustRegister(WindowPopulation)
	prometheus.MustRegister(SamplesIngested)
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(StatePersistErrors)
	prometheus.MustRegister(PolicySwitchesTotal)
	prometheus.MustRegister(PolicySwitchDuration)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(CanaryRequestsTotal)
	prometheus.MustRegister(CanaryBucketsExcluded)
	prometheus.MustRegister(CanaryPValue)
	prometheus.MustRegister(PolicyDrift)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
