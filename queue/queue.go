// Package queue implements the Object Delivery Queue (spec.md §4.5): a
// priority queue ordered by effective priority then FIFO by creation
// time, with a shedding operation for congestion control. The session
// also uses a Queue as its receive-side ingress queue, with the same
// priority ordering (it does not reorder by group or object id). Grounded on container/heap, the only priority-queue
// primitive used anywhere in the retrieved corpus (no third-party heap
// or priority-queue library appears in any example), and on the
// teacher's atomic-counter style for metrics.
package queue

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/quicrtc/object"
)

// Metrics is a point-in-time snapshot of delivery queue counters.
type Metrics struct {
	ObjectsDelivered     int64
	ObjectsDropped       int64
	QueueDepth           int
	PeakQueueDepth       int64
	AvgDeliveryLatencyMs float64
}

type item struct {
	obj   object.MoqObject
	index int
}

// heapSlice implements container/heap.Interface, ordered by effective
// priority ascending, then created_at ascending (FIFO tie-break).
type heapSlice []*item

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	pi, pj := h[i].obj.EffectivePriority(), h[j].obj.EffectivePriority()
	if pi != pj {
		return pi < pj
	}
	return h[i].obj.CreatedAt.Before(h[j].obj.CreatedAt)
}

func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapSlice) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the Object Delivery Queue: a priority-ordered outbound
// scheduler, also used as the session's receive-side ingress queue.
type Queue struct {
	mu sync.Mutex
	h  heapSlice

	delivered    atomic.Int64
	dropped      atomic.Int64
	peakDepth    atomic.Int64
	latencySumMs atomic.Int64 // accumulated milliseconds, for averaging
	latencyCount atomic.Int64
}

// New creates an empty Object Delivery Queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// Enqueue adds an object to the queue in priority order.
func (q *Queue) Enqueue(o object.MoqObject) {
	q.mu.Lock()
	heap.Push(&q.h, &item{obj: o})
	depth := int64(len(q.h))
	q.mu.Unlock()

	for {
		peak := q.peakDepth.Load()
		if depth <= peak || q.peakDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
}

// Dequeue removes and returns the minimum element (highest effective
// priority, FIFO among ties). The second return is false if empty.
func (q *Queue) Dequeue() (object.MoqObject, bool) {
	q.mu.Lock()
	if q.h.Len() == 0 {
		q.mu.Unlock()
		return object.MoqObject{}, false
	}
	it := heap.Pop(&q.h).(*item)
	q.mu.Unlock()

	q.delivered.Add(1)
	latencyMs := time.Since(it.obj.CreatedAt).Milliseconds()
	q.latencySumMs.Add(latencyMs)
	q.latencyCount.Add(1)

	return it.obj, true
}

// DropLowPriority removes all queued objects with effective priority
// strictly greater than p (i.e. lower priority), except EndOfGroup and
// EndOfTrack markers which are immune regardless of nominal priority.
// It returns the count dropped.
func (q *Queue) DropLowPriority(p uint8) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.h[:0]
	dropped := 0
	for _, it := range q.h {
		immune := it.obj.Status == object.StatusEndOfGroup || it.obj.Status == object.StatusEndOfTrack
		if !immune && it.obj.EffectivePriority() > p {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	q.h = kept
	heap.Init(&q.h)

	if dropped > 0 {
		q.dropped.Add(int64(dropped))
	}
	return dropped
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Metrics returns a point-in-time snapshot of delivery counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	depth := q.h.Len()
	q.mu.Unlock()

	count := q.latencyCount.Load()
	var avg float64
	if count > 0 {
		avg = float64(q.latencySumMs.Load()) / float64(count)
	}

	return Metrics{
		ObjectsDelivered:     q.delivered.Load(),
		ObjectsDropped:       q.dropped.Load(),
		QueueDepth:           depth,
		PeakQueueDepth:       q.peakDepth.Load(),
		AvgDeliveryLatencyMs: avg,
	}
}
