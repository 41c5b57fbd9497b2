package pool

import (
	"errors"
	"fmt"
)

var (
	ErrNilRun = errors.New("task Run is nil")
)

// PanicError is recorded when a task body (or callback) panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err carries a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// CleanupError wraps a failing Cleanup callback with the task's seq.
type CleanupError struct {
	Seq uint64
	Err error
}

func (e *CleanupError) Error() string { return fmt.Sprintf("cleanup task %d: %v", e.Seq, e.Err) }
func (e *CleanupError) Unwrap() error { return e.Err }
