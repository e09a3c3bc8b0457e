package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/quicrtc/object"
	"github.com/zsiec/quicrtc/rtcerr"
)

func testObject(ns object.TrackNamespace, groupID, objectID uint64, size int) object.MoqObject {
	return object.New(ns, groupID, objectID, 1, make([]byte, size), object.StatusNormal)
}

func TestCacheEvictionScenario(t *testing.T) {
	t.Parallel()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	c := New(Config{MaxSizeBytes: 30, MaxObjectsPerTrack: 100, EnableLRUEviction: true})

	o1 := testObject(ns, 1, 1, 10)
	o2 := testObject(ns, 1, 2, 10)
	o3 := testObject(ns, 1, 3, 10)

	for _, o := range []object.MoqObject{o1, o2, o3} {
		if err := c.Insert(o); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if _, ok := c.Lookup(ns, 1, 1); !ok {
		t.Fatal("expected hit on O1")
	}

	o4 := testObject(ns, 1, 4, 10)
	if err := c.Insert(o4); err != nil {
		t.Fatalf("Insert O4: %v", err)
	}

	if _, ok := c.Lookup(ns, 1, 2); ok {
		t.Error("expected O2 to be evicted")
	}
	for _, id := range []uint64{1, 3, 4} {
		if _, ok := c.Lookup(ns, 1, id); !ok {
			t.Errorf("expected object %d to remain cached", id)
		}
	}
}

func TestCacheMaxSizeBytesInvariant(t *testing.T) {
	t.Parallel()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	c := New(Config{MaxSizeBytes: 100, MaxObjectsPerTrack: 1000, EnableLRUEviction: true})

	for i := uint64(0); i < 50; i++ {
		if err := c.Insert(testObject(ns, 1, i, 7)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		if c.Stats().CurrentSizeBytes > 100 {
			t.Fatalf("current_size_bytes exceeded max_size_bytes after insert %d", i)
		}
	}
}

func TestCacheMaxObjectsPerTrackInvariant(t *testing.T) {
	t.Parallel()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	c := New(Config{MaxSizeBytes: 1 << 20, MaxObjectsPerTrack: 5, EnableLRUEviction: true})

	for i := uint64(0); i < 20; i++ {
		if err := c.Insert(testObject(ns, 1, i, 1)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		if c.CountForTrack(ns) > 5 {
			t.Fatalf("track count exceeded cap after insert %d", i)
		}
	}
}

func TestCacheFullRejectsWhenLRUDisabled(t *testing.T) {
	t.Parallel()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	c := New(Config{MaxSizeBytes: 10, MaxObjectsPerTrack: 100, EnableLRUEviction: false})

	if err := c.Insert(testObject(ns, 1, 1, 10)); err != nil {
		t.Fatalf("first insert should succeed: %v", err)
	}
	err := c.Insert(testObject(ns, 1, 2, 10))
	if err == nil {
		t.Fatal("expected CacheFull error")
	}
	if !errors.Is(err, rtcerr.ErrCacheFull) {
		t.Errorf("expected wrapped ErrCacheFull, got %v", err)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "audio"}
	c := New(Config{MaxSizeBytes: 1 << 20, MaxObjectsPerTrack: 100, ObjectTTL: 10 * time.Millisecond, EnableLRUEviction: true})

	o := testObject(ns, 1, 1, 4)
	if err := c.Insert(o); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok := c.Lookup(ns, 1, 1); !ok {
		t.Fatal("expected immediate hit before TTL")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Lookup(ns, 1, 1); ok {
		t.Fatal("expected miss after TTL expiry")
	}
	stats := c.Stats()
	if stats.TotalObjects != 0 {
		t.Errorf("expected entry removed after TTL expiry, total_objects = %d", stats.TotalObjects)
	}
}

func TestCacheReplaceExistingKey(t *testing.T) {
	t.Parallel()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	c := New(Config{MaxSizeBytes: 1 << 20, MaxObjectsPerTrack: 100, EnableLRUEviction: true})

	first := testObject(ns, 1, 1, 4)
	if err := c.Insert(first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second := testObject(ns, 1, 1, 8)
	if err := c.Insert(second); err != nil {
		t.Fatalf("Insert replacement: %v", err)
	}

	got, ok := c.Lookup(ns, 1, 1)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Size != 8 {
		t.Errorf("Size = %d, want 8 (replacement should overwrite)", got.Size)
	}
	if c.Stats().TotalObjects != 1 {
		t.Errorf("expected a single entry after replace, got %d", c.Stats().TotalObjects)
	}
}

func TestCacheHitMissCounters(t *testing.T) {
	t.Parallel()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	c := New(Config{MaxSizeBytes: 1 << 20, MaxObjectsPerTrack: 100, EnableLRUEviction: true})

	if err := c.Insert(testObject(ns, 1, 1, 4)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c.Lookup(ns, 1, 1)
	c.Lookup(ns, 1, 2)
	c.Lookup(ns, 1, 1)

	stats := c.Stats()
	if stats.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", stats.CacheHits)
	}
	if stats.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", stats.CacheMisses)
	}
}
