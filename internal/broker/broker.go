// Package broker schedules calls to slow external services (extraction, embedding)
// through a priority queue drained by a bounded worker pool, delivering results as futures.
package broker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/tsuuchi/internal/models"
)

const (
	DefaultConcurrency          = 2
	DefaultTimeout              = 30 * time.Second
	DefaultDocumentEmbedTimeout = 120 * time.Second
	DefaultQueryEmbedTimeout    = 60 * time.Second
)

// Stats is a point-in-time snapshot of broker counters.
type Stats struct {
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithConcurrency sets the number of requests that may be dispatched at once.
func WithConcurrency(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithDefaultTimeout sets the timeout for kinds without a specific timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

// WithTimeout sets the per-call timeout for kind.
func WithTimeout(kind Kind, d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeouts[kind] = d
		}
	}
}

// WithRateLimit limits dispatches to rps per second with the given burst. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(b *Broker) {
		if rps <= 0 {
			b.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type flight struct {
	cancel context.CancelFunc
	// reason is set when the call was cancelled by the caller or by Close.
	reason error
}

// Broker dispatches requests in priority order with at most concurrency calls outstanding.
// No retries are performed; a failed or timed-out request resolves its future with the cause.
type Broker struct {
	dispatcher     Dispatcher
	logger         *zap.Logger
	concurrency    int
	defaultTimeout time.Duration
	timeouts       map[Kind]time.Duration
	limiter        *rate.Limiter

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    queue
	queued   map[*Future]*item
	inflight map[*Future]*flight
	closed   bool
	seq      uint64
	wg       sync.WaitGroup

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// New creates a broker and starts its workers. Call Close to stop them.
func New(dispatcher Dispatcher, opts ...Option) *Broker {
	ctx, stop := context.WithCancel(context.Background())
	b := &Broker{
		dispatcher:     dispatcher,
		logger:         zap.NewNop(),
		concurrency:    DefaultConcurrency,
		defaultTimeout: DefaultTimeout,
		timeouts: map[Kind]time.Duration{
			KindEmbedDocument: DefaultDocumentEmbedTimeout,
			KindEmbedQuery:    DefaultQueryEmbedTimeout,
		},
		ctx:      ctx,
		stop:     stop,
		queued:   make(map[*Future]*item),
		inflight: make(map[*Future]*flight),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cond = sync.NewCond(&b.mu)
	b.wg.Add(b.concurrency)
	for i := 0; i < b.concurrency; i++ {
		go b.worker()
	}
	return b
}

// Submit enqueues a request and returns immediately. Higher priority values are served first.
func (b *Broker) Submit(kind Kind, priority int, payload any, schema *models.Schema) *Future {
	return b.SubmitRequest(&Request{
		Kind:     kind,
		Priority: priority,
		Payload:  payload,
		Schema:   schema,
	})
}

// SubmitRequest enqueues req. ID and SubmittedAt are filled in when empty.
func (b *Broker) SubmitRequest(req *Request) *Future {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	f := newFuture(req.ID, req.Kind, b)
	b.submitted.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.settle(f, StatusCancelled, nil, ErrClosed)
		return f
	}
	b.seq++
	req.seq = b.seq
	it := &item{req: req, future: f}
	heap.Push(&b.queue, it)
	b.queued[f] = it
	b.mu.Unlock()
	b.cond.Signal()

	b.logger.Debug("request queued",
		zap.String("id", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.Int("priority", req.Priority))
	return f
}

// Cancel cancels f. A queued request is removed and resolves Cancelled.
// For a dispatched request the call's context is cancelled; if the call still returns a
// value the future resolves Success, otherwise Cancelled. Returns false if f is already
// terminal or unknown.
func (b *Broker) Cancel(f *Future) bool {
	b.mu.Lock()
	if it, ok := b.queued[f]; ok {
		heap.Remove(&b.queue, it.index)
		delete(b.queued, f)
		b.mu.Unlock()
		return b.settle(f, StatusCancelled, nil, ErrCancelled)
	}
	if fl, ok := b.inflight[f]; ok {
		if fl.reason == nil {
			fl.reason = ErrCancelled
		}
		fl.cancel()
		b.mu.Unlock()
		return !f.Status().Terminal()
	}
	b.mu.Unlock()
	return false
}

// Stats returns current counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	queued, inflight := len(b.queue), len(b.inflight)
	b.mu.Unlock()
	return Stats{
		Queued:    queued,
		InFlight:  inflight,
		Submitted: b.submitted.Load(),
		Succeeded: b.succeeded.Load(),
		Failed:    b.failed.Load(),
		Cancelled: b.cancelled.Load(),
	}
}

// Close stops accepting requests, cancels queued ones with ErrClosed, cancels in-flight
// calls and waits for the workers to exit.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := make([]*item, 0, len(b.queue))
	for b.queue.Len() > 0 {
		pending = append(pending, heap.Pop(&b.queue).(*item))
	}
	b.queued = make(map[*Future]*item)
	for _, fl := range b.inflight {
		if fl.reason == nil {
			fl.reason = ErrClosed
		}
	}
	b.mu.Unlock()

	for _, it := range pending {
		b.settle(it.future, StatusCancelled, nil, ErrClosed)
	}
	b.stop()
	b.cond.Broadcast()
	b.wg.Wait()
	b.logger.Debug("broker closed", zap.Int("cancelled_pending", len(pending)))
	return nil
}

func (b *Broker) timeoutFor(kind Kind) time.Duration {
	if d, ok := b.timeouts[kind]; ok {
		return d
	}
	return b.defaultTimeout
}

func (b *Broker) worker() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for b.queue.Len() == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		it := heap.Pop(&b.queue).(*item)
		delete(b.queued, it.future)
		ctx, cancel := context.WithTimeout(b.ctx, b.timeoutFor(it.req.Kind))
		fl := &flight{cancel: cancel}
		b.inflight[it.future] = fl
		b.mu.Unlock()

		b.run(ctx, it, fl)
		cancel()

		b.mu.Lock()
		delete(b.inflight, it.future)
		b.mu.Unlock()
	}
}

type outcome struct {
	value any
	err   error
}

func (b *Broker) run(ctx context.Context, it *item, fl *flight) {
	req := it.req
	start := time.Now()
	b.logger.Debug("dispatching request",
		zap.String("id", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.Duration("queued_for", start.Sub(req.SubmittedAt)))

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("dispatcher panic: %v", r)}
			}
		}()
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				ch <- outcome{err: err}
				return
			}
		}
		v, err := b.dispatcher.Dispatch(ctx, req)
		ch <- outcome{value: v, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Resolve at the deadline, but hold the slot until the call actually returns.
			b.settle(it.future, StatusError, nil, &RequestError{RequestID: req.ID, Kind: req.Kind, Err: ErrTimeout})
			b.logger.Warn("request timed out",
				zap.String("id", req.ID),
				zap.String("kind", string(req.Kind)),
				zap.Duration("timeout", b.timeoutFor(req.Kind)))
			<-ch
			return
		}
		// Cancelled: give the call until its deadline to return a value.
		deadline, _ := ctx.Deadline()
		timer := time.NewTimer(time.Until(deadline))
		select {
		case out = <-ch:
			timer.Stop()
		case <-timer.C:
			b.mu.Lock()
			reason := fl.reason
			b.mu.Unlock()
			if reason == nil {
				reason = ErrCancelled
			}
			b.settle(it.future, StatusCancelled, nil, reason)
			<-ch
			return
		}
	}
	b.complete(ctx, it, fl, out, time.Since(start))
}

func (b *Broker) complete(ctx context.Context, it *item, fl *flight, out outcome, elapsed time.Duration) {
	req := it.req
	if out.err == nil {
		b.settle(it.future, StatusSuccess, out.value, nil)
		b.logger.Debug("request succeeded",
			zap.String("id", req.ID),
			zap.String("kind", string(req.Kind)),
			zap.Duration("elapsed", elapsed))
		return
	}

	b.mu.Lock()
	reason := fl.reason
	b.mu.Unlock()
	if reason != nil {
		b.settle(it.future, StatusCancelled, nil, reason)
		return
	}
	cause := out.err
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = ErrTimeout
	}
	b.settle(it.future, StatusError, nil, &RequestError{RequestID: req.ID, Kind: req.Kind, Err: cause})
	b.logger.Warn("request failed",
		zap.String("id", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.Duration("elapsed", elapsed),
		zap.Error(out.err))
}

// settle resolves f and updates counters. Only the first resolution counts.
func (b *Broker) settle(f *Future, status Status, value any, err error) bool {
	if !f.resolve(status, value, err) {
		return false
	}
	switch status {
	case StatusSuccess:
		b.succeeded.Add(1)
	case StatusError:
		b.failed.Add(1)
	case StatusCancelled:
		b.cancelled.Add(1)
	}
	return true
}
