package engine

import (
	"errors"
	"fmt"
)

var (
	ErrOOMKilled = errors.New("oom killed")
	ErrTimedOut  = errors.New("timed out")
	ErrJobFailed = errors.New("job failed")
)

// ExitError is returned by engines when a step's process exits non-zero.
// It unwraps to ErrJobFailed.
type ExitError struct {
	Code int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("job failed: exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return ErrJobFailed
}
