package sandbox

import (
	"fmt"
	"time"
)

// TimeoutError reports a rule aborted at its deadline.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rule evaluation exceeded %s deadline", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RuntimeError reports a rule that failed to compile, panicked, or returned a non-boolean.
type RuntimeError struct {
	Message string
	// Detail carries a position or stack trace when available.
	Detail string
	Err    error
}

func (e *RuntimeError) Error() string { return e.Message }

func (e *RuntimeError) Unwrap() error { return e.Err }

// UnavailableError reports that an interpreter could not be constructed.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("rule sandbox unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
