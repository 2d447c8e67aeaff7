package storage

import (
	"context"
	"errors"

	"github.com/cuemby/knobd/pkg/types"
)

var (
	// ErrNoRecord is returned when no policy has been committed yet
	ErrNoRecord = errors.New("no policy record")

	// ErrLockTimeout is returned when the record lock could not be acquired
	// within the retry budget
	ErrLockTimeout = errors.New("timed out acquiring state lock")
)

// UpdateFunc receives the current record (nil when none exists) and returns
// the record to commit. Returning a nil record commits nothing.
type UpdateFunc func(cur *types.PolicyRecord) (*types.PolicyRecord, error)

// StateStore persists the single active-policy record. Implementations must
// serialise writers across processes; a failed or aborted update leaves the
// previous record byte-identical.
type StateStore interface {
	// Read returns the current record under a shared lock
	Read(ctx context.Context) (*types.PolicyRecord, error)

	// Write replaces the record under an exclusive lock
	Write(ctx context.Context, rec *types.PolicyRecord) error

	// Update runs fn while holding the exclusive lock for its whole duration
	Update(ctx context.Context, fn UpdateFunc) error

	// Path returns the location of the record
	Path() string
}
