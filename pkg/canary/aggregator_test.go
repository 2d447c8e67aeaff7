package canary

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/knobd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

func sampleAt(offset time.Duration, p95, recall float64) types.MetricSample {
	return types.MetricSample{Timestamp: epoch.Add(offset), P95LatencyMs: p95, RecallAtK: recall, Coverage: 1}
}

func fill(t *testing.T, a *Aggregator, bucket int, group types.GroupTag, n int, p95, recall float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		off := time.Duration(bucket)*time.Minute + time.Duration(i)*time.Second
		require.NoError(t, a.Record(sampleAt(off, p95, recall), group))
	}
}

func TestAggregator_BucketID(t *testing.T) {
	a := NewAggregator(time.Minute, 3)
	base := a.BucketID(epoch)

	assert.Equal(t, base, a.BucketID(epoch.Add(59*time.Second)))
	assert.Equal(t, base+1, a.BucketID(epoch.Add(time.Minute)))
	assert.Equal(t, int64(-1), a.BucketID(time.Unix(0, -1)))
	assert.Equal(t, int64(0), a.BucketID(time.Unix(0, 0)))
}

func TestAggregator_Deltas(t *testing.T) {
	a := NewAggregator(time.Minute, 3)
	for b := 0; b < 3; b++ {
		fill(t, a, b, types.GroupControl, 4, 100, 0.90)
		fill(t, a, b, types.GroupTreatment, 4, 80, 0.92)
	}

	agg := a.Aggregate()
	require.True(t, agg.Comparable())
	assert.InDelta(t, 20, agg.DeltaP95Ms, 1e-9, "control minus treatment")
	assert.InDelta(t, 0.02, agg.DeltaRecall, 1e-9, "treatment minus control")
	assert.Equal(t, 6, agg.BucketsUsed)
	assert.Equal(t, 0, agg.NoiseExcluded)
	assert.Len(t, agg.ControlP95s, 3)
	assert.Len(t, agg.TreatmentP95s, 3)
	assert.Len(t, agg.ControlLatencies, 12)
	assert.Len(t, agg.TreatmentLatencies, 12)
}

func TestAggregator_UnderPopulatedBucketDoesNotShiftDelta(t *testing.T) {
	a := NewAggregator(time.Minute, 3)
	for b := 0; b < 3; b++ {
		fill(t, a, b, types.GroupControl, 3, 100, 0.90)
		fill(t, a, b, types.GroupTreatment, 3, 80, 0.90)
	}
	before := a.Aggregate()

	// An outlier bucket with two samples must be ignored
	fill(t, a, 3, types.GroupTreatment, 2, 5000, 0.10)
	after := a.Aggregate()

	assert.Equal(t, before.DeltaP95Ms, after.DeltaP95Ms)
	assert.Equal(t, before.DeltaRecall, after.DeltaRecall)
	assert.Equal(t, before.BucketsUsed, after.BucketsUsed)
	assert.Equal(t, 1, after.NoiseExcluded)
	assert.Len(t, after.TreatmentLatencies, 9, "outlier samples stay out of the pooled latencies")
	assert.NotContains(t, after.TreatmentLatencies, 5000.0)

	// The dropped bucket stays visible for audit
	buckets := a.Buckets()
	require.Len(t, buckets, 7)
	last := buckets[len(buckets)-1]
	assert.Equal(t, types.GroupTreatment, last.Group)
	assert.False(t, last.Valid(3))

	var invalid int
	for _, st := range after.Stats {
		if !st.Valid {
			invalid++
			assert.Equal(t, 2, st.Count)
		}
	}
	assert.Equal(t, 1, invalid)
}

func TestAggregator_PerBucketP95(t *testing.T) {
	a := NewAggregator(time.Minute, 3)
	for i, v := range []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		require.NoError(t, a.Record(sampleAt(time.Duration(i)*time.Second, v, 0.9), types.GroupControl))
	}

	agg := a.Aggregate()
	require.Len(t, agg.Stats, 1)
	assert.Equal(t, 100.0, agg.Stats[0].P95Ms)
	assert.False(t, agg.Comparable(), "no treatment data")
	assert.Zero(t, agg.DeltaP95Ms)
}

func TestAggregator_RejectsBadInput(t *testing.T) {
	a := NewAggregator(time.Minute, 3)

	assert.Error(t, a.Record(sampleAt(0, 100, 0.9), types.GroupNone))
	assert.Error(t, a.Record(sampleAt(0, 100, 1.5), types.GroupControl))
	assert.Empty(t, a.Buckets())
}

func TestAggregator_ConcurrentRecord(t *testing.T) {
	a := NewAggregator(time.Minute, 3)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			group := types.GroupControl
			if w%2 == 1 {
				group = types.GroupTreatment
			}
			for i := 0; i < 50; i++ {
				_ = a.Record(sampleAt(time.Duration(i)*time.Second, 100, 0.9), group)
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, b := range a.Buckets() {
		total += len(b.Samples)
	}
	assert.Equal(t, 400, total)
}
