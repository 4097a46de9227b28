package sandbox

import (
	"context"
	"errors"
	"runtime/metrics"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMemoryLimit is the heap growth allowed while rules run.
const DefaultMemoryLimit = 256 << 20

// errMemoryLimit is the cancellation cause of rules stopped by the memory guard.
var errMemoryLimit = errors.New("rule exceeded the memory limit")

const (
	heapMetric    = "/memory/classes/heap/objects:bytes"
	guardInterval = 2 * time.Millisecond
)

// memoryGuard cancels running evaluations once the heap grows by more than limit
// since the first of them started. Heap usage is process wide, so every running
// evaluation is cancelled when the limit trips. It polls only while evaluations run.
type memoryGuard struct {
	limit  uint64
	logger *zap.Logger

	mu     sync.Mutex
	active map[uint64]context.CancelCauseFunc
	nextID uint64
	stop   chan struct{}
}

func newMemoryGuard(limit uint64, logger *zap.Logger) *memoryGuard {
	return &memoryGuard{
		limit:  limit,
		logger: logger,
		active: map[uint64]context.CancelCauseFunc{},
	}
}

// track registers an evaluation and returns the function that unregisters it.
func (g *memoryGuard) track(cancel context.CancelCauseFunc) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	if len(g.active) == 0 {
		g.stop = make(chan struct{})
		go g.watch(g.stop, heapBytes())
	}
	g.active[id] = cancel
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.active[id]; !ok {
			return
		}
		delete(g.active, id)
		if len(g.active) == 0 {
			close(g.stop)
			g.stop = nil
		}
	}
}

func (g *memoryGuard) watch(stop <-chan struct{}, baseline uint64) {
	ticker := time.NewTicker(guardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		used := heapBytes()
		if used < baseline {
			baseline = used
			continue
		}
		if used-baseline <= g.limit {
			continue
		}
		g.mu.Lock()
		for _, cancel := range g.active {
			cancel(errMemoryLimit)
		}
		n := len(g.active)
		g.mu.Unlock()
		g.logger.Warn("rule memory limit exceeded",
			zap.Uint64("heap_growth", used-baseline),
			zap.Uint64("limit", g.limit),
			zap.Int("cancelled", n))
		baseline = used
	}
}

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}
