package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the cause recorded on a future that was cancelled.
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout is the cause recorded when a dispatched call exceeds its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is the cause recorded for requests submitted to, or still queued in, a closed broker.
	ErrClosed = errors.New("broker closed")
	// ErrNotReady is returned by Future.Peek while the request is still in progress.
	ErrNotReady = errors.New("result not ready")
	// ErrNoDispatcher is returned by Mux for kinds that have no registered dispatcher.
	ErrNoDispatcher = errors.New("no dispatcher for request kind")
)

// RequestError wraps a failure of the external endpoint for a single request.
type RequestError struct {
	RequestID string
	Kind      Kind
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s (%s): %v", e.RequestID, e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
