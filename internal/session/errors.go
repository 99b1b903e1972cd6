package session

import (
	"errors"
	"fmt"
)

// ErrPrecondition matches every PreconditionError.
var ErrPrecondition = errors.New("precondition failed")

var (
	ErrNotFound      = errors.New("session not found")
	ErrActiveSession = errors.New("another session is already active")
	ErrNoSources     = errors.New("at least one source is required")
	ErrNoRuntime     = errors.New("session is not running in this process")
)

// PreconditionError reports a command issued in the wrong state or with
// missing input. It is never retried.
type PreconditionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

func precondition(op string, err error) error {
	return &PreconditionError{Op: op, Reason: err.Error(), Err: err}
}

func wrongState(op, sessionID, status string) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf("session %s is %s", sessionID, status)}
}
