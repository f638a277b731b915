package storage

import (
	"container/list"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// sieveEntry is one cached value plus the single "visited" bit SIEVE needs.
type sieveEntry struct {
	key     string
	value   interface{}
	visited bool
	elem    *list.Element
}

// SieveCache is a fixed-capacity cache using the SIEVE eviction algorithm:
// a FIFO queue with one "visited" bit per entry and a moving hand that
// sweeps the queue looking for an unvisited victim, clearing visited bits
// as it passes (spec §3/§4.2, hot metadata and verified-read caching).
// SIEVE was chosen over LRU because it needs no reordering on hit -- a read
// only has to set a bit, never move a list node. Every Get and Put still
// takes the cache's mutex. The Engine constructs one in Open; ReadFrom does
// not consult it.
type SieveCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*sieveEntry
	queue    *list.List // front = newest, back = oldest
	hand     *list.Element
}

// NewSieveCache constructs a cache holding at most capacity entries.
func NewSieveCache(capacity int) *SieveCache {
	return &SieveCache{
		capacity: capacity,
		items:    make(map[string]*sieveEntry, capacity),
		queue:    list.New(),
	}
}

// Get returns the cached value for key, marking it visited on a hit.
func (c *SieveCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var e, ok = c.items[key]
	if !ok {
		return nil, false
	}
	e.visited = true
	return e.value, true
}

// Put inserts or replaces the cached value for key, evicting via SIEVE if
// the cache is at capacity.
func (c *SieveCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.visited = true
		return
	}

	if len(c.items) >= c.capacity {
		c.evict()
	}

	var e = &sieveEntry{key: key, value: value}
	e.elem = c.queue.PushFront(e)
	c.items[key] = e
}

// evict runs SIEVE's hand sweep to find and remove one victim. Caller must
// hold c.mu.
func (c *SieveCache) evict() {
	var h = c.hand
	if h == nil {
		h = c.queue.Back()
	}
	for h != nil {
		var e = h.Value.(*sieveEntry)
		if !e.visited {
			var prev = h.Prev()
			c.queue.Remove(h)
			delete(c.items, e.key)
			c.hand = prev
			return
		}
		e.visited = false
		h = h.Prev()
		if h == nil {
			h = c.queue.Back()
		}
		if h == c.hand {
			break
		}
	}
	// Degenerate: the sweep started from a saved hand and wrapped back to
	// it having found every entry it passed visited. Evict the tail
	// unconditionally.
	if tail := c.queue.Back(); tail != nil {
		var e = tail.Value.(*sieveEntry)
		c.queue.Remove(tail)
		delete(c.items, e.key)
		c.hand = nil
	}
}

// Len reports the number of entries currently cached.
func (c *SieveCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// MappedSegment is a reference-counted, read-only memory-mapped view of a
// sealed segment's bytes. Sealed segments never change, so once mapped
// they can be shared freely across verified reads without re-reading from
// the filesystem (spec §4.2 "Cache").
type MappedSegment struct {
	mu       sync.Mutex
	mapping  mmap.MMap
	refCount int
}

// MapSealedSegment memory-maps the full contents of a closed, sealed
// segment file, returning a handle with an initial reference count of 1.
func MapSealedSegment(s *Segment) (*MappedSegment, error) {
	if !s.Sealed() {
		return nil, &StorageError{Kind: ErrInvalidArgument, Stream: s.Number, Message: "cannot mmap an unsealed segment"}
	}
	var m, err = mmap.Map(s.f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &MappedSegment{mapping: m, refCount: 1}, nil
}

// Acquire increments the reference count and returns the mapped bytes.
func (m *MappedSegment) Acquire() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refCount++
	return m.mapping
}

// Release decrements the reference count, unmapping once it reaches zero.
func (m *MappedSegment) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refCount--
	if m.refCount > 0 {
		return nil
	}
	return m.mapping.Unmap()
}
