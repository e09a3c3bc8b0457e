package queue

import (
	"testing"
	"time"

	"github.com/zsiec/quicrtc/object"
)

var testNS = object.TrackNamespace{Namespace: "room", TrackName: "video"}

func objAt(priority uint8, status object.Status, id uint64, t time.Time) object.MoqObject {
	return object.NewAt(testNS, 1, id, priority, []byte{0}, status, t)
}

func TestPriorityDequeueScenario(t *testing.T) {
	t.Parallel()

	base := time.Now()
	q := New()

	// A(prio=2), B(prio=1), C(EndOfTrack, nominal prio=5), D(prio=1)
	q.Enqueue(objAt(2, object.StatusNormal, 1, base))
	q.Enqueue(objAt(1, object.StatusNormal, 2, base.Add(time.Millisecond)))
	q.Enqueue(objAt(5, object.StatusEndOfTrack, 3, base.Add(2*time.Millisecond)))
	q.Enqueue(objAt(1, object.StatusNormal, 4, base.Add(3*time.Millisecond)))

	wantOrder := []uint64{3, 2, 4, 1} // C, B, D, A
	for _, wantID := range wantOrder {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("expected dequeue to succeed for id %d", wantID)
		}
		if got.ObjectID != wantID {
			t.Errorf("Dequeue() ObjectID = %d, want %d", got.ObjectID, wantID)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected empty queue after draining")
	}
}

func TestPriorityOrderingInvariant(t *testing.T) {
	t.Parallel()

	base := time.Now()
	q := New()
	priorities := []uint8{5, 1, 3, 0, 2, 1, 4}
	for i, p := range priorities {
		q.Enqueue(objAt(p, object.StatusNormal, uint64(i), base.Add(time.Duration(i)*time.Millisecond)))
	}

	var prev object.MoqObject
	first := true
	for {
		got, ok := q.Dequeue()
		if !ok {
			break
		}
		if !first {
			if prev.EffectivePriority() > got.EffectivePriority() {
				t.Fatalf("priority ordering violated: prev=%d got=%d", prev.EffectivePriority(), got.EffectivePriority())
			}
			if prev.EffectivePriority() == got.EffectivePriority() && prev.CreatedAt.After(got.CreatedAt) {
				t.Fatalf("FIFO tie-break violated at equal priority %d", prev.EffectivePriority())
			}
		}
		prev = got
		first = false
	}
}

func TestDequeueEmpty(t *testing.T) {
	t.Parallel()

	q := New()
	if _, ok := q.Dequeue(); ok {
		t.Error("expected Dequeue on empty queue to return false")
	}
}

func TestDropLowPriorityPreservesMarkers(t *testing.T) {
	t.Parallel()

	base := time.Now()
	q := New()
	q.Enqueue(objAt(0, object.StatusNormal, 1, base))
	q.Enqueue(objAt(5, object.StatusNormal, 2, base))
	q.Enqueue(objAt(9, object.StatusEndOfGroup, 3, base))
	q.Enqueue(objAt(9, object.StatusEndOfTrack, 4, base))
	q.Enqueue(objAt(3, object.StatusNormal, 5, base))

	dropped := q.DropLowPriority(2)
	if dropped != 2 {
		t.Fatalf("DropLowPriority dropped = %d, want 2", dropped)
	}

	remaining := map[uint64]bool{}
	for {
		o, ok := q.Dequeue()
		if !ok {
			break
		}
		remaining[o.ObjectID] = true
	}
	for _, id := range []uint64{1, 3, 4} {
		if !remaining[id] {
			t.Errorf("expected object %d to survive shedding", id)
		}
	}
	for _, id := range []uint64{2, 5} {
		if remaining[id] {
			t.Errorf("expected object %d to be dropped", id)
		}
	}
}

func TestMetricsTracksDeliveredAndDropped(t *testing.T) {
	t.Parallel()

	base := time.Now()
	q := New()
	for i := uint64(0); i < 5; i++ {
		q.Enqueue(objAt(uint8(i), object.StatusNormal, i, base))
	}

	q.Dequeue()
	q.Dequeue()
	dropped := q.DropLowPriority(1)

	m := q.Metrics()
	if m.ObjectsDelivered != 2 {
		t.Errorf("ObjectsDelivered = %d, want 2", m.ObjectsDelivered)
	}
	if int(m.ObjectsDropped) != dropped {
		t.Errorf("ObjectsDropped = %d, want %d", m.ObjectsDropped, dropped)
	}
	if m.PeakQueueDepth < 5 {
		t.Errorf("PeakQueueDepth = %d, want >= 5", m.PeakQueueDepth)
	}
}

func TestQueueLen(t *testing.T) {
	t.Parallel()

	q := New()
	if q.Len() != 0 {
		t.Fatalf("new queue Len() = %d, want 0", q.Len())
	}
	q.Enqueue(objAt(1, object.StatusNormal, 1, time.Now()))
	q.Enqueue(objAt(1, object.StatusNormal, 2, time.Now()))
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	q.Dequeue()
	if q.Len() != 1 {
		t.Fatalf("Len() after one dequeue = %d, want 1", q.Len())
	}
}
