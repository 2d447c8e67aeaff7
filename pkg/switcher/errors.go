package switcher

import (
	"errors"
	"fmt"
)

// Process exit codes reported by the select command
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitUsage          = 2
	ExitHealthGate     = 3
	ExitFetchCurrent   = 4
	ExitApply          = 5
	ExitVerifyMismatch = 6
	ExitLockTimeout    = 7
)

var (
	ErrUnknownArm     = errors.New("unknown arm")
	ErrHealthGate     = errors.New("health gate failed")
	ErrFetchCurrent   = errors.New("failed to fetch current policy")
	ErrApply          = errors.New("failed to apply policy")
	ErrVerifyMismatch = errors.New("post-apply verification mismatch")
	ErrStaleRecord    = errors.New("policy record changed since it was read")
)

// Error is an aborted switch. The persisted record is untouched whenever an
// Error is returned.
type Error struct {
	Code  int
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("switch aborted in %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode maps err to the process exit code: 0 for nil, the switcher code
// for an *Error and 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ExitFailure
}

func abort(code int, phase Phase, sentinel error, cause error) *Error {
	if cause == nil {
		return &Error{Code: code, Phase: phase, Err: sentinel}
	}
	return &Error{Code: code, Phase: phase, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}
