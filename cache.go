package escrow

import (
	"container/list"
	"sync"
)

type (
	// projection is an account's folded state and the sequence its next
	// event will take
	projection struct {
		State        *Account `json:"state"`
		NextSequence int64    `json:"next_sequence"`
	}

	// projectionCache keeps the most recently used projections. Each entry
	// carries its own lock so loads of one account never block another
	projectionCache struct {
		entries map[AccountID]*list.Element
		lru     *list.List
		maxSize int
		mu      sync.Mutex
	}

	cachedProjection struct {
		value *projection
		id    AccountID
		mu    sync.Mutex
	}
)

const DefaultCacheSize = 4096

func newProjectionCache(maxSize int) *projectionCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &projectionCache{
		entries: map[AccountID]*list.Element{},
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// get returns the entry for id, creating an empty one if needed, and marks
// it most recently used
func (c *projectionCache) get(id AccountID) *cachedProjection {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cachedProjection)
	}

	entry := &cachedProjection{id: id}
	c.entries[id] = c.lru.PushFront(entry)
	if c.lru.Len() > c.maxSize {
		c.evictLast()
	}
	return entry
}

func (c *projectionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *projectionCache) evictLast() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.lru.Remove(back)
	delete(c.entries, back.Value.(*cachedProjection).id)
}

// load returns the cached projection, or nil if it was never filled
func (e *cachedProjection) load() *projection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// advance replaces the cached projection if proj is newer
func (e *cachedProjection) advance(proj *projection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.value == nil || proj.NextSequence > e.value.NextSequence {
		e.value = proj
	}
}

// reset forgets the cached projection so the next load reads the store
func (e *cachedProjection) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = nil
}
