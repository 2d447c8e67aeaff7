package switcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/knobd/pkg/health"
	"github.com/cuemby/knobd/pkg/retry"
	"github.com/cuemby/knobd/pkg/storage"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu          sync.Mutex
	healthy     bool
	current     string
	fetchErr    error
	applyErr    error
	ignoreApply bool
	applies     []string
}

func (f *fakeService) Health(ctx context.Context) health.GateResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := health.Result{Healthy: f.healthy, Message: "ok"}
	if !f.healthy {
		r.Message = "embeddings reported ok=false"
	}
	return health.GateResult{Healthy: f.healthy, Checks: map[string]health.Result{"embeddings": r}}
}

func (f *fakeService) CurrentPolicy(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	return f.current, nil
}

func (f *fakeService) ApplyPolicy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applies = append(f.applies, name)
	if !f.ignoreApply {
		f.current = name
	}
	return nil
}

type harness struct {
	store *storage.FileStore
	svc   *fakeService
	sw    *Switcher
	audit *bytes.Buffer
}

func newHarness(t *testing.T, svc *fakeService) *harness {
	t.Helper()
	store := storage.NewFileStore(
		filepath.Join(t.TempDir(), "state", "policy.json"),
		retry.Policy{MaxAttempts: 3, Backoff: func(int) time.Duration { return time.Millisecond }},
	)
	buf := &bytes.Buffer{}
	audit := zerolog.New(buf)
	sw := New(Config{
		Store:   store,
		Service: svc,
		Audit:   &audit,
		Clock:   func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) },
	})
	return &harness{store: store, svc: svc, sw: sw, audit: buf}
}

func (h *harness) seed(t *testing.T, name string) []byte {
	t.Helper()
	require.NoError(t, h.store.Write(context.Background(), &types.PolicyRecord{
		PolicyName: name,
		AppliedAt:  time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}))
	data, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	return data
}

func (h *harness) fileBytes(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	return data
}

func (h *harness) auditLines(t *testing.T) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(h.audit.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestApply_Commits(t *testing.T) {
	h := newHarness(t, &fakeService{healthy: true, current: "balanced_v1"})
	h.seed(t, "balanced_v1")

	res, err := h.sw.Apply(context.Background(), "fast_v1", false)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, TagSelect, res.Tag)
	assert.Equal(t, "balanced_v1", res.Prev)
	require.NotNil(t, res.AppliedAt)

	rec, err := h.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fast_v1", rec.PolicyName)
	assert.Equal(t, "balanced_v1", rec.PreviousPolicyName)

	lines := h.auditLines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, TagSelect, lines[0]["tag"])
	assert.Equal(t, "fast_v1", lines[0]["arm"])
	assert.Equal(t, "balanced_v1", lines[0]["prev"])
	assert.Contains(t, lines[0], "applied_at")
}

func TestApply_CreatesStateOnFirstSwitch(t *testing.T) {
	h := newHarness(t, &fakeService{healthy: true, current: "balanced_v1"})

	_, err := h.sw.Apply(context.Background(), "quality_v1", false)
	require.NoError(t, err)

	rec, err := h.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "quality_v1", rec.PolicyName)
}

func TestApply_HealthGateLeavesRecordByteIdentical(t *testing.T) {
	svc := &fakeService{healthy: false, current: "balanced_v1"}
	h := newHarness(t, svc)
	before := h.seed(t, "balanced_v1")

	res, err := h.sw.Apply(context.Background(), "quality_v1", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthGate)
	assert.Equal(t, ExitHealthGate, ExitCode(err))
	assert.Equal(t, PhaseAborted, res.Phase)
	assert.Equal(t, TagAbort, res.Tag)
	assert.Contains(t, res.Reason, "ok=false")

	assert.Equal(t, before, h.fileBytes(t))
	assert.Empty(t, svc.applies, "apply must not be attempted")

	lines := h.auditLines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, TagAbort, lines[0]["tag"])
	assert.Equal(t, "quality_v1", lines[0]["arm"])
	assert.Contains(t, lines[0], "reason")
	assert.Contains(t, lines[0], "prev")
}

func TestApply_AbortPaths(t *testing.T) {
	tests := []struct {
		name     string
		svc      *fakeService
		wantCode int
		wantErr  error
		applied  bool
	}{
		{
			name:     "fetch current fails",
			svc:      &fakeService{healthy: true, fetchErr: errors.New("connection refused")},
			wantCode: ExitFetchCurrent,
			wantErr:  ErrFetchCurrent,
		},
		{
			name:     "apply fails",
			svc:      &fakeService{healthy: true, current: "balanced_v1", applyErr: errors.New("503")},
			wantCode: ExitApply,
			wantErr:  ErrApply,
		},
		{
			name:     "service ignores apply",
			svc:      &fakeService{healthy: true, current: "balanced_v1", ignoreApply: true},
			wantCode: ExitVerifyMismatch,
			wantErr:  ErrVerifyMismatch,
			applied:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.svc)
			before := h.seed(t, "balanced_v1")

			// Repeated failed attempts stay no-ops
			for i := 0; i < 3; i++ {
				res, err := h.sw.Apply(context.Background(), "fast_v1", false)
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.wantCode, ExitCode(err))
				assert.Equal(t, tt.wantCode, res.ExitCode)
				assert.Equal(t, before, h.fileBytes(t))
			}
			assert.Equal(t, tt.applied, len(tt.svc.applies) > 0)

			for _, line := range h.auditLines(t) {
				assert.Equal(t, TagAbort, line["tag"])
			}
		})
	}
}

func TestApply_DryRun(t *testing.T) {
	svc := &fakeService{healthy: true, current: "balanced_v1"}
	h := newHarness(t, svc)
	before := h.seed(t, "balanced_v1")

	res, err := h.sw.Apply(context.Background(), "quality_v1", true)
	require.NoError(t, err)
	assert.Equal(t, TagSelectDryRun, res.Tag)
	assert.True(t, res.DryRun)
	assert.Equal(t, "balanced_v1", res.Prev)
	assert.Nil(t, res.Record)

	assert.Equal(t, before, h.fileBytes(t))
	assert.Empty(t, svc.applies)

	lines := h.auditLines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, TagSelectDryRun, lines[0]["tag"])
	assert.Equal(t, "balanced_v1", lines[0]["prev"])
	assert.NotEmpty(t, lines[0]["reason"])
	assert.Equal(t, res.Reason, lines[0]["reason"])
}

func TestApply_DryRunStillHonoursHealthGate(t *testing.T) {
	h := newHarness(t, &fakeService{healthy: false, current: "balanced_v1"})

	_, err := h.sw.Apply(context.Background(), "quality_v1", true)
	assert.Equal(t, ExitHealthGate, ExitCode(err))
}

func TestApply_UnknownArm(t *testing.T) {
	svc := &fakeService{healthy: true, current: "balanced_v1"}
	h := newHarness(t, svc)

	res, err := h.sw.Apply(context.Background(), "turbo_v9", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownArm)
	assert.Equal(t, ExitUsage, ExitCode(err))
	assert.Equal(t, TagAbort, res.Tag)

	_, statErr := os.Stat(h.store.LockPath())
	assert.True(t, os.IsNotExist(statErr), "no lock taken for an unknown arm")
}

func TestApply_LockTimeout(t *testing.T) {
	svc := &fakeService{healthy: true, current: "balanced_v1"}
	h := newHarness(t, svc)
	before := h.seed(t, "balanced_v1")

	holder := storage.NewFileStore(h.store.Path(), retry.Once())
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- holder.Update(context.Background(), func(*types.PolicyRecord) (*types.PolicyRecord, error) {
			close(locked)
			<-release
			return nil, nil
		})
	}()
	<-locked

	_, err := h.sw.Apply(context.Background(), "fast_v1", false)
	assert.ErrorIs(t, err, storage.ErrLockTimeout)
	assert.Equal(t, ExitLockTimeout, ExitCode(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, before, h.fileBytes(t))
	assert.Empty(t, svc.applies)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 6, ExitCode(&Error{Code: 6, Err: ErrVerifyMismatch}))
}

func TestReassert_RecordUnchanged(t *testing.T) {
	svc := &fakeService{healthy: true, current: "fast_v1"}
	h := newHarness(t, svc)
	h.seed(t, "balanced_v1")

	expected, err := h.store.Read(context.Background())
	require.NoError(t, err)

	res, err := h.sw.Reassert(context.Background(), expected)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, "fast_v1", res.Prev)
	assert.Equal(t, []string{"balanced_v1"}, svc.applies)
}

func TestReassert_StaleRecordAborts(t *testing.T) {
	svc := &fakeService{healthy: true, current: "fast_v1"}
	h := newHarness(t, svc)
	h.seed(t, "balanced_v1")

	expected, err := h.store.Read(context.Background())
	require.NoError(t, err)

	_, err = h.sw.Apply(context.Background(), "quality_v1", false)
	require.NoError(t, err)
	committed := h.fileBytes(t)
	h.audit.Reset()

	res, err := h.sw.Reassert(context.Background(), expected)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleRecord)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Equal(t, TagAbort, res.Tag)
	assert.Contains(t, res.Reason, "quality_v1")

	assert.Equal(t, committed, h.fileBytes(t))
	assert.Equal(t, "quality_v1", svc.current)
	assert.Equal(t, []string{"quality_v1"}, svc.applies, "the service is not touched")

	lines := h.auditLines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, TagAbort, lines[0]["tag"])
	assert.Equal(t, "balanced_v1", lines[0]["arm"])
}

func TestLogAbort(t *testing.T) {
	var buf bytes.Buffer
	audit := zerolog.New(&buf).With().Str("arm", "fast_v1").Logger()

	LogAbort(audit, ExitUsage, PhaseIdle, "policies file missing", "")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, TagAbort, line["tag"])
	assert.Equal(t, "fast_v1", line["arm"])
	assert.Equal(t, "policies file missing", line["reason"])
	assert.Contains(t, line, "prev")
	assert.Equal(t, float64(ExitUsage), line["exit_code"])
}
