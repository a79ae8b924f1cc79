package sensors

import (
	"context"
	"sync"
	"time"

	"github.com/roadsense/motiond/internal/queue"
)

// Source is the contract every sensor backend satisfies: the subprocess
// daemon, the serial GPS reader and the synthetic simulation sources.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	IsAlive() bool
	LastSampleInstant() (time.Time, bool)
	Queue() *queue.Queue[Sample]
	Kind() Kind
}

// Factory creates a fresh source for one sensor family. The supervisor uses
// it to instantiate replacements during restart.
type Factory func() Source

// Feed is the stable consumer endpoint for one sensor family. Restarts swap
// in the fresh daemon's queue underneath it; buffered samples from the old
// queue are carried over so none are silently lost.
type Feed struct {
	mu sync.RWMutex
	q  *queue.Queue[Sample]
}

// NewFeed wraps the initial queue endpoint.
func NewFeed(q *queue.Queue[Sample]) *Feed {
	return &Feed{q: q}
}

// Recv dequeues the next sample within timeout.
func (f *Feed) Recv(timeout time.Duration) (Sample, bool) {
	f.mu.RLock()
	q := f.q
	f.mu.RUnlock()
	return q.Pop(timeout)
}

// Swap replaces the underlying queue, draining any leftovers from the old
// endpoint into the new one first.
func (f *Feed) Swap(next *queue.Queue[Sample]) {
	f.mu.Lock()
	old := f.q
	f.q = next
	f.mu.Unlock()

	if old == nil || old == next {
		return
	}
	for _, s := range old.Drain() {
		next.Push(s)
	}
}

// Drain empties the current endpoint.
func (f *Feed) Drain() []Sample {
	f.mu.RLock()
	q := f.q
	f.mu.RUnlock()
	return q.Drain()
}

// Stats reports the current endpoint's accounting counters.
func (f *Feed) Stats() (produced, delivered, dropped uint64) {
	f.mu.RLock()
	q := f.q
	f.mu.RUnlock()
	return q.Produced(), q.Delivered(), q.Dropped()
}
