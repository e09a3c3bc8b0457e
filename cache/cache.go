// Package cache implements the bounded, content-addressed Object Cache
// (spec.md §4.4): insert/lookup keyed by (track namespace, group id,
// object id),
// TTL expiry checked lazily at lookup, and dual eviction (per-track
// count cap, global byte-size cap with LRU). It is grounded on the
// teacher's object-store locking style (single writer lock, atomic
// counters for stats) seen throughout zsiec/prism's internal packages.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/quicrtc/object"
)

// Config configures an Object Cache (spec.md §6 defaults).
type Config struct {
	MaxSizeBytes       int64
	MaxObjectsPerTrack int
	ObjectTTL          time.Duration
	EnableLRUEviction  bool

	// SweepBatchLimit bounds how many expired entries a single sweep
	// pass removes, so a sweep never causes a latency spike.
	SweepBatchLimit int
}

// DefaultConfig returns the configuration spec.md §6 lists as defaults.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes:       1 << 20,
		MaxObjectsPerTrack: 100,
		ObjectTTL:          30 * time.Second,
		EnableLRUEviction:  true,
		SweepBatchLimit:    256,
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	TotalObjects     int64
	CurrentSizeBytes int64
	CacheHits        int64
	CacheMisses      int64
	EvictionsTotal   int64
}

type key struct {
	namespace object.TrackNamespace
	groupID   uint64
	objectID  uint64
}

type entry struct {
	key        key
	obj        object.MoqObject
	insertedAt time.Time
	size       int64
	elem       *list.Element // position in lru
}

// Cache is a bounded content-addressed store of MoqObjects.
type Cache struct {
	cfg Config

	mu         sync.Mutex
	entries    map[key]*entry
	lru        *list.List // front = least recently used
	trackCount map[object.TrackNamespace]int
	sizeBytes  int64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates an Object Cache with the given configuration.
func New(cfg Config) *Cache {
	if cfg.SweepBatchLimit <= 0 {
		cfg.SweepBatchLimit = 256
	}
	return &Cache{
		cfg:        cfg,
		entries:    make(map[key]*entry),
		lru:        list.New(),
		trackCount: make(map[object.TrackNamespace]int),
	}
}

func keyOf(o object.MoqObject) key {
	return key{namespace: o.Namespace(), groupID: o.GroupID, objectID: o.ObjectID}
}

// Insert stores an object, replacing any existing entry with the same
// key, and runs the bounded sweep plus eviction policy described in
// spec.md §4.4.
func (c *Cache) Insert(o object.MoqObject) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	k := keyOf(o)
	ns := o.Namespace()
	now := time.Now()

	if existing, ok := c.entries[k]; ok {
		c.sizeBytes -= existing.size
		c.lru.MoveToBack(existing.elem)
		existing.obj = o
		existing.insertedAt = now
		existing.size = int64(o.Size)
		c.sizeBytes += existing.size
		return nil
	}

	if c.trackCount[ns] >= c.cfg.MaxObjectsPerTrack {
		c.evictOldestOfTrackLocked(ns)
	}

	newSize := int64(o.Size)
	for c.sizeBytes+newSize > c.cfg.MaxSizeBytes {
		if !c.cfg.EnableLRUEviction {
			return errCacheFull
		}
		if !c.evictOneLocked() {
			return errCacheFull
		}
	}

	e := &entry{key: k, obj: o, insertedAt: now, size: newSize}
	e.elem = c.lru.PushBack(e)
	c.entries[k] = e
	c.trackCount[ns]++
	c.sizeBytes += newSize
	return nil
}

// Lookup finds an object by namespace, group id, and object id. On
// hit, it refreshes LRU position and returns the cached object. TTL is
// checked lazily: an expired entry is treated as a miss and evicted.
func (c *Cache) Lookup(ns object.TrackNamespace, groupID, objectID uint64) (object.MoqObject, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{namespace: ns, groupID: groupID, objectID: objectID}
	e, ok := c.entries[k]
	if !ok {
		c.misses.Add(1)
		return object.MoqObject{}, false
	}

	if c.cfg.ObjectTTL > 0 && time.Since(e.insertedAt) > c.cfg.ObjectTTL {
		c.removeLocked(e)
		c.evictions.Add(1)
		c.misses.Add(1)
		return object.MoqObject{}, false
	}

	c.lru.MoveToBack(e.elem)
	c.hits.Add(1)
	return e.obj, true
}

// Sweep removes all entries whose TTL has expired, bounded to
// SweepBatchLimit entries per call.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
}

func (c *Cache) sweepLocked() {
	if c.cfg.ObjectTTL <= 0 {
		return
	}
	now := time.Now()
	checked := 0
	for el := c.lru.Front(); el != nil && checked < c.cfg.SweepBatchLimit; checked++ {
		e := el.Value.(*entry)
		next := el.Next()
		if now.Sub(e.insertedAt) > c.cfg.ObjectTTL {
			c.removeLocked(e)
			c.evictions.Add(1)
		}
		el = next
	}
}

// evictOldestOfTrackLocked evicts the least-recently-used object
// belonging to ns.
func (c *Cache) evictOldestOfTrackLocked(ns object.TrackNamespace) bool {
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.key.namespace == ns {
			c.removeLocked(e)
			c.evictions.Add(1)
			return true
		}
	}
	return false
}

// evictOneLocked evicts the single global least-recently-used entry.
func (c *Cache) evictOneLocked() bool {
	el := c.lru.Front()
	if el == nil {
		return false
	}
	e := el.Value.(*entry)
	c.removeLocked(e)
	c.evictions.Add(1)
	return true
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.trackCount[e.key.namespace]--
	if c.trackCount[e.key.namespace] <= 0 {
		delete(c.trackCount, e.key.namespace)
	}
	c.sizeBytes -= e.size
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	total := int64(len(c.entries))
	size := c.sizeBytes
	c.mu.Unlock()

	return Stats{
		TotalObjects:     total,
		CurrentSizeBytes: size,
		CacheHits:        c.hits.Load(),
		CacheMisses:      c.misses.Load(),
		EvictionsTotal:   c.evictions.Load(),
	}
}

// CountForTrack reports how many objects the cache currently holds for
// ns, used by tests asserting P2.
func (c *Cache) CountForTrack(ns object.TrackNamespace) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackCount[ns]
}
