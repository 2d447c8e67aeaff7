package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/retry"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultStatePath is where the active-policy record lives unless configured
const DefaultStatePath = "state/policy.json"

var errLockBusy = errors.New("state lock held by another process")

type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

func (m lockMode) String() string {
	if m == lockExclusive {
		return "exclusive"
	}
	return "shared"
}

func (m lockMode) how() int {
	if m == lockExclusive {
		return unix.LOCK_EX
	}
	return unix.LOCK_SH
}

// FileStore keeps the policy record in a JSON file guarded by an advisory
// flock(2) on a sidecar "<path>.lock" file. Writers take the lock exclusively,
// readers take it shared. Locks are attempted non-blocking and retried
// through the configured retry policy.
type FileStore struct {
	path     string
	lockPath string
	retry    retry.Policy
	logger   zerolog.Logger
}

var _ StateStore = (*FileStore)(nil)

// NewFileStore creates a store for the record at path. The parent directory
// is created on first write.
func NewFileStore(path string, lockRetry retry.Policy) *FileStore {
	if path == "" {
		path = DefaultStatePath
	}
	return &FileStore{
		path:     path,
		lockPath: path + ".lock",
		retry:    lockRetry,
		logger:   log.WithComponent("state_store"),
	}
}

// Path returns the record path
func (s *FileStore) Path() string {
	return s.path
}

// LockPath returns the sidecar lock path
func (s *FileStore) LockPath() string {
	return s.lockPath
}

// Read returns the current record or ErrNoRecord
func (s *FileStore) Read(ctx context.Context) (*types.PolicyRecord, error) {
	unlock, err := s.lock(ctx, lockShared)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.readLocked()
}

// Write replaces the record
func (s *FileStore) Write(ctx context.Context, rec *types.PolicyRecord) error {
	if err := types.Validate(rec); err != nil {
		return err
	}

	unlock, err := s.lock(ctx, lockExclusive)
	if err != nil {
		return err
	}
	defer unlock()

	return s.writeLocked(rec)
}

// Update holds the exclusive lock while fn inspects the current record and
// decides what to commit. An error from fn or a nil result leaves the file
// untouched.
func (s *FileStore) Update(ctx context.Context, fn UpdateFunc) error {
	unlock, err := s.lock(ctx, lockExclusive)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := s.readLocked()
	if err != nil && !errors.Is(err, ErrNoRecord) {
		return err
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if err := types.Validate(next); err != nil {
		return err
	}
	return s.writeLocked(next)
}

// ActivePolicy returns the committed policy name, or "" when none exists
func (s *FileStore) ActivePolicy(ctx context.Context) (string, error) {
	rec, err := s.Read(ctx)
	if errors.Is(err, ErrNoRecord) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.PolicyName, nil
}

func (s *FileStore) readLocked() (*types.PolicyRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var rec types.PolicyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed policy record %s: %w", s.path, err)
	}
	if err := types.Validate(&rec); err != nil {
		return nil, fmt.Errorf("malformed policy record %s: %w", s.path, err)
	}
	return &rec, nil
}

func (s *FileStore) writeLocked(rec *types.PolicyRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal policy record: %w", err)
	}
	data = append(data, '\n')

	if err := WriteFileAtomic(s.path, data, 0644); err != nil {
		return err
	}
	s.logger.Debug().
		Str("policy", rec.PolicyName).
		Str("prev", rec.PreviousPolicyName).
		Msg("Policy record written")
	return nil
}

// lock acquires the sidecar lock in the given mode and returns its release
func (s *FileStore) lock(ctx context.Context, mode lockMode) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	timer := metrics.NewTimer()
	err = s.retry.Do(ctx, func(attempt int) error {
		err := unix.Flock(int(f.Fd()), mode.how()|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			s.logger.Debug().Int("attempt", attempt).Str("mode", mode.String()).Msg("State lock busy")
			return errLockBusy
		default:
			return retry.Permanent(fmt.Errorf("flock %s: %w", s.lockPath, err))
		}
	})
	timer.ObserveDurationVec(metrics.LockWaitDuration, mode.String())

	if err != nil {
		f.Close()
		if errors.Is(err, errLockBusy) {
			return nil, fmt.Errorf("%w: %s lock on %s: %w", ErrLockTimeout, mode, s.lockPath, err)
		}
		return nil, err
	}

	return func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release state lock")
		}
		f.Close()
	}, nil
}
