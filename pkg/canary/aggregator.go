package canary

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/knobd/pkg/stats"
	"github.com/cuemby/knobd/pkg/types"
)

// DefaultMinBucketPopulation is the smallest (bucket, group) population that
// contributes to the aggregate
const DefaultMinBucketPopulation = 3

type bucketKey struct {
	id    int64
	group types.GroupTag
}

// BucketStat summarises one (bucket, group) pair
type BucketStat struct {
	BucketID     int64          `json:"bucket_id"`
	Group        types.GroupTag `json:"group_tag"`
	Count        int            `json:"count"`
	P95Ms        float64        `json:"p95_ms"`
	MeanRecall   float64        `json:"mean_recall"`
	MeanCoverage float64        `json:"mean_coverage"`
	Valid        bool           `json:"valid"`
}

// Aggregation is the result of aggregating every recorded bucket
type Aggregation struct {
	Stats []BucketStat `json:"stats"`

	// ControlP95s and TreatmentP95s hold the per-bucket P95 of valid buckets
	ControlP95s   []float64 `json:"-"`
	TreatmentP95s []float64 `json:"-"`

	// ControlLatencies and TreatmentLatencies pool the sample latencies of
	// valid buckets; the significance test runs on these
	ControlLatencies   []float64 `json:"-"`
	TreatmentLatencies []float64 `json:"-"`

	BucketsUsed   int `json:"buckets_used"`
	NoiseExcluded int `json:"noise_excluded"`

	// DeltaP95Ms is control minus treatment: positive means treatment is faster
	DeltaP95Ms float64 `json:"delta_p95_ms"`
	// DeltaRecall is treatment minus control
	DeltaRecall float64 `json:"delta_recall"`
}

// Comparable reports whether both groups kept at least one valid bucket
func (a Aggregation) Comparable() bool {
	return len(a.ControlP95s) > 0 && len(a.TreatmentP95s) > 0
}

// Aggregator assigns samples to fixed-width time buckets per group. It is
// safe for concurrent use.
type Aggregator struct {
	width  time.Duration
	minPop int

	mu      sync.Mutex
	buckets map[bucketKey]*types.CanaryBucket
}

// NewAggregator creates an aggregator. Non-positive arguments fall back to a
// one second bucket and DefaultMinBucketPopulation.
func NewAggregator(width time.Duration, minPopulation int) *Aggregator {
	if width <= 0 {
		width = time.Second
	}
	if minPopulation <= 0 {
		minPopulation = DefaultMinBucketPopulation
	}
	return &Aggregator{
		width:   width,
		minPop:  minPopulation,
		buckets: make(map[bucketKey]*types.CanaryBucket),
	}
}

// BucketID returns floor(t / width)
func (a *Aggregator) BucketID(t time.Time) int64 {
	n, w := t.UnixNano(), a.width.Nanoseconds()
	id := n / w
	if n%w != 0 && n < 0 {
		id--
	}
	return id
}

// Record assigns sample to its bucket under group
func (a *Aggregator) Record(sample types.MetricSample, group types.GroupTag) error {
	if group != types.GroupControl && group != types.GroupTreatment {
		return fmt.Errorf("invalid group tag %q", group)
	}
	sample.Group = group
	if err := types.Validate(&sample); err != nil {
		return err
	}

	key := bucketKey{id: a.BucketID(sample.Timestamp), group: group}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[key]
	if !ok {
		b = &types.CanaryBucket{BucketID: key.id, Group: group}
		a.buckets[key] = b
	}
	b.Samples = append(b.Samples, sample)
	return nil
}

// Buckets returns a copy of every bucket, valid or not, ordered by bucket id
// then group
func (a *Aggregator) Buckets() []types.CanaryBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.CanaryBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		cp := *b
		cp.Samples = append([]types.MetricSample(nil), b.Samples...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketID != out[j].BucketID {
			return out[i].BucketID < out[j].BucketID
		}
		return out[i].Group < out[j].Group
	})
	return out
}

// Aggregate computes per-bucket statistics and the final deltas over valid
// buckets. Under-populated pairs are reported but excluded.
func (a *Aggregator) Aggregate() Aggregation {
	buckets := a.Buckets()

	var (
		agg                            Aggregation
		controlRecall, treatmentRecall []float64
	)

	for i := range buckets {
		b := &buckets[i]
		latencies := make([]float64, len(b.Samples))
		recalls := make([]float64, len(b.Samples))
		coverages := make([]float64, len(b.Samples))
		for j, s := range b.Samples {
			latencies[j] = s.P95LatencyMs
			recalls[j] = s.RecallAtK
			coverages[j] = s.Coverage
		}

		st := BucketStat{
			BucketID:     b.BucketID,
			Group:        b.Group,
			Count:        len(b.Samples),
			P95Ms:        stats.Percentile(latencies, 0.95),
			MeanRecall:   stats.Mean(recalls),
			MeanCoverage: stats.Mean(coverages),
			Valid:        b.Valid(a.minPop),
		}
		agg.Stats = append(agg.Stats, st)

		if !st.Valid {
			agg.NoiseExcluded++
			continue
		}
		agg.BucketsUsed++
		switch b.Group {
		case types.GroupControl:
			agg.ControlP95s = append(agg.ControlP95s, st.P95Ms)
			agg.ControlLatencies = append(agg.ControlLatencies, latencies...)
			controlRecall = append(controlRecall, st.MeanRecall)
		case types.GroupTreatment:
			agg.TreatmentP95s = append(agg.TreatmentP95s, st.P95Ms)
			agg.TreatmentLatencies = append(agg.TreatmentLatencies, latencies...)
			treatmentRecall = append(treatmentRecall, st.MeanRecall)
		}
	}

	if agg.Comparable() {
		agg.DeltaP95Ms = stats.Mean(agg.ControlP95s) - stats.Mean(agg.TreatmentP95s)
		agg.DeltaRecall = stats.Mean(treatmentRecall) - stats.Mean(controlRecall)
	}
	return agg
}
