package broker

import (
	"context"
	"sync"
)

// Status is the state of a Future.
type Status int

const (
	StatusInProgress Status = iota
	StatusSuccess
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s != StatusInProgress }

// Future is the caller's handle on a submitted request.
// It moves from StatusInProgress to exactly one terminal state and never changes afterwards.
type Future struct {
	id   string
	kind Kind

	mu     sync.Mutex
	status Status
	value  any
	err    error
	done   chan struct{}

	broker *Broker
}

func newFuture(id string, kind Kind, b *Broker) *Future {
	return &Future{id: id, kind: kind, done: make(chan struct{}), broker: b}
}

// ID returns the request identifier.
func (f *Future) ID() string { return f.id }

// Kind returns the request kind.
func (f *Future) Kind() Kind { return f.kind }

// Status returns the current state.
func (f *Future) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Done returns a channel closed when the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.done }

// Peek returns the result without blocking. It returns ErrNotReady while in progress.
func (f *Future) Peek() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == StatusInProgress {
		return nil, ErrNotReady
	}
	return f.value, f.err
}

// Await blocks until the future is terminal or ctx is done.
// A ctx error leaves the future untouched.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.Peek()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks the broker to cancel the request. See Broker.Cancel.
func (f *Future) Cancel() bool {
	if f.broker == nil {
		return false
	}
	return f.broker.Cancel(f)
}

// resolve sets a terminal state. Only the first call has an effect.
func (f *Future) resolve(status Status, value any, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != StatusInProgress {
		return false
	}
	f.status = status
	f.value = value
	f.err = err
	close(f.done)
	return true
}
