package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/knobd/pkg/events"
	"github.com/cuemby/knobd/pkg/health"
	"github.com/cuemby/knobd/pkg/retry"
	"github.com/cuemby/knobd/pkg/storage"
	"github.com/cuemby/knobd/pkg/switcher"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu      sync.Mutex
	current string
	err     error
}

func (f *fakeService) Health(ctx context.Context) health.GateResult {
	return health.GateResult{Healthy: true}
}

func (f *fakeService) CurrentPolicy(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.err
}

func (f *fakeService) ApplyPolicy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = name
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingPublisher) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newStore(t *testing.T, committed string) *storage.FileStore {
	t.Helper()
	store := storage.NewFileStore(filepath.Join(t.TempDir(), "policy.json"), retry.Once())
	if committed != "" {
		require.NoError(t, store.Write(context.Background(), &types.PolicyRecord{
			PolicyName: committed,
			AppliedAt:  time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
		}))
	}
	return store
}

func TestReconcile_NoRecord(t *testing.T) {
	r := NewReconciler(Config{Store: newStore(t, ""), Service: &fakeService{current: "fast_v1"}})

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRecord, rep.Outcome)
}

func TestReconcile_InSync(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewReconciler(Config{
		Store:   newStore(t, "balanced_v1"),
		Service: &fakeService{current: "balanced_v1"},
		Events:  pub,
	})

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInSync, rep.Outcome)
	assert.Equal(t, "balanced_v1", rep.Actual)
	assert.Empty(t, pub.events)
}

func TestReconcile_DriftReportOnly(t *testing.T) {
	pub := &recordingPublisher{}
	svc := &fakeService{current: "fast_v1"}
	r := NewReconciler(Config{Store: newStore(t, "quality_v1"), Service: svc, Events: pub})

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDrift, rep.Outcome)
	assert.Equal(t, "quality_v1", rep.Desired)
	assert.Equal(t, "fast_v1", rep.Actual)
	assert.Equal(t, "fast_v1", svc.current, "report-only mode does not touch the service")

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventPolicyDrift, pub.events[0].Type)
	assert.Equal(t, "quality_v1", pub.events[0].Metadata["desired"])
}

func TestReconcile_DriftRepairedThroughSwitcher(t *testing.T) {
	store := newStore(t, "quality_v1")
	svc := &fakeService{current: "fast_v1"}
	sw := switcher.New(switcher.Config{Store: store, Service: svc})
	r := NewReconciler(Config{Store: store, Service: svc, Repair: sw})

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepaired, rep.Outcome)
	assert.Equal(t, "quality_v1", svc.current)

	rec, err := store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "quality_v1", rec.PolicyName)
	assert.Equal(t, "fast_v1", rec.PreviousPolicyName)

	rep, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInSync, rep.Outcome)
}

func TestReconcile_ServiceError(t *testing.T) {
	r := NewReconciler(Config{
		Store:   newStore(t, "fast_v1"),
		Service: &fakeService{err: errors.New("connection refused")},
	})

	rep, err := r.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Equal(t, OutcomeError, rep.Outcome)
}

func TestReconciler_StartStop(t *testing.T) {
	svc := &fakeService{current: "fast_v1"}
	store := newStore(t, "balanced_v1")
	sw := switcher.New(switcher.Config{Store: store, Service: svc})
	r := NewReconciler(Config{Store: store, Service: svc, Repair: sw, Interval: 10 * time.Millisecond})

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		cur, _ := svc.CurrentPolicy(context.Background())
		return cur == "balanced_v1"
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
}

// operatorSwitchAfterRead commits another policy right after the reconciler
// has read the record, before it takes the lock to repair.
type operatorSwitchAfterRead struct {
	*storage.FileStore
	once  sync.Once
	apply func()
}

func (o *operatorSwitchAfterRead) Read(ctx context.Context) (*types.PolicyRecord, error) {
	rec, err := o.FileStore.Read(ctx)
	o.once.Do(o.apply)
	return rec, err
}

func TestReconcile_RepairYieldsToConcurrentSwitch(t *testing.T) {
	store := newStore(t, "balanced_v1")
	svc := &fakeService{current: "fast_v1"}
	sw := switcher.New(switcher.Config{Store: store, Service: svc})

	reader := &operatorSwitchAfterRead{FileStore: store}
	reader.apply = func() {
		_, err := sw.Apply(context.Background(), "quality_v1", false)
		require.NoError(t, err)
	}
	r := NewReconciler(Config{Store: reader, Service: svc, Repair: sw})

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, rep.Outcome)
	assert.Equal(t, "balanced_v1", rep.Desired)

	rec, err := store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "quality_v1", rec.PolicyName, "the operator's commit survives")
	assert.Equal(t, "quality_v1", svc.current)

	rep, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInSync, rep.Outcome)
}
