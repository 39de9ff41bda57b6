// Package reactor implements the bounded priority intake queue that feeds
// tokens to a Place's Orchestrator in deterministic order (§4.1 of
// SPEC_FULL.md). It is grounded on the teacher's graph.Frontier: a
// container/heap priority queue paired with a buffered channel for
// backpressure.
package reactor

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auroraworks/servicethread/token"
)

// Envelope pairs a Token with its arrival time, used to break ties when two
// tokens share an id (should not happen in practice, but the ordering
// contract requires a deterministic tie-break).
type Envelope struct {
	Token      token.Token
	ArrivedAt  time.Time
}

// itemHeap orders envelopes by ascending token id, then by arrival time.
type itemHeap []Envelope

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	idI, idJ := h[i].Token.ID(), h[j].Token.ID()
	if idI != idJ {
		return idI < idJ
	}
	return h[i].ArrivedAt.Before(h[j].ArrivedAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(Envelope))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Reactor is the bounded priority intake queue described by §4.1. Producers
// (the transport) call Enqueue; the Orchestrator calls DequeueToken.
//
// Thread-safety: all methods are safe for concurrent use by multiple
// goroutines.
type Reactor struct {
	heap     itemHeap
	queue    chan Envelope
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued       atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

// New creates a Reactor with the given bounded capacity.
func New(capacity int) *Reactor {
	r := &Reactor{
		heap:     make(itemHeap, 0),
		queue:    make(chan Envelope, capacity),
		capacity: capacity,
	}
	heap.Init(&r.heap)
	return r
}

// Enqueue admits a token, blocking if the bounded queue is at capacity.
// Overflow/backpressure behavior beyond this bound is the transport's
// concern per §4.1; this method only blocks until space frees up or ctx is
// cancelled.
func (r *Reactor) Enqueue(ctx context.Context, tok token.Token) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	env := Envelope{Token: tok, ArrivedAt: time.Now()}

	r.mu.Lock()
	heap.Push(&r.heap, env)
	depth := int32(r.heap.Len())
	r.mu.Unlock()

	for {
		peak := r.peakQueueDepth.Load()
		if depth <= peak || r.peakQueueDepth.CompareAndSwap(peak, depth) {
			break
		}
	}

	if depth >= int32(r.capacity) {
		r.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.queue <- env:
		r.totalEnqueued.Add(1)
		return nil
	}
}

// DequeueToken blocks until a token is available, returning it along with
// the residual buffer size (not counting the dequeued token) and the
// configured capacity, per §4.1's contract.
func (r *Reactor) DequeueToken(ctx context.Context) (tok token.Token, bufferSizeAfterDequeue int, capacity int, err error) {
	if ctx.Err() != nil {
		return token.Token{}, 0, r.capacity, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return token.Token{}, 0, r.capacity, ctx.Err()
	case <-r.queue:
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.heap.Len() == 0 {
			return token.Token{}, 0, r.capacity, context.Canceled
		}

		env := heap.Pop(&r.heap).(Envelope)
		r.totalDequeued.Add(1)
		return env.Token, r.heap.Len(), r.capacity, nil
	}
}

// Len returns the current number of tokens held in the reactor.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heap.Len()
}

// Metrics is a point-in-time snapshot of reactor throughput counters.
type Metrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

// Metrics returns a snapshot of the reactor's counters.
func (r *Reactor) Metrics() Metrics {
	r.mu.Lock()
	depth := int32(r.heap.Len())
	r.mu.Unlock()

	return Metrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(r.capacity),
		TotalEnqueued:      r.totalEnqueued.Load(),
		TotalDequeued:      r.totalDequeued.Load(),
		BackpressureEvents: r.backpressureEvents.Load(),
		PeakQueueDepth:     r.peakQueueDepth.Load(),
	}
}
