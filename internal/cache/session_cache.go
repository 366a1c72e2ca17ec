package cache

import "sync"

// SessionCache holds live handles for the process lifetime. It owns one
// reference per stored handle and is unbounded; Clear releases everything.
type SessionCache struct {
	mu    sync.RWMutex
	items map[Key]*Handle
}

func NewSessionCache() *SessionCache {
	return &SessionCache{
		items: make(map[Key]*Handle),
	}
}

func (c *SessionCache) Has(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.items[key]
	return ok && !h.Released()
}

// Get returns the stored handle without adding a reference. Handles
// released by their holders are skipped.
func (c *SessionCache) Get(key Key) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.items[key]
	if !ok || h.Released() {
		return nil, false
	}
	return h, true
}

// Set takes over the caller's reference to h. A different handle already
// stored under key is released.
func (c *SessionCache) Set(key Key, h *Handle) {
	c.mu.Lock()
	old, ok := c.items[key]
	c.items[key] = h
	c.mu.Unlock()

	if ok && old != h {
		old.Release()
	}
}

func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *SessionCache) Clear() {
	c.mu.Lock()
	items := c.items
	c.items = make(map[Key]*Handle)
	c.mu.Unlock()

	for _, h := range items {
		h.Release()
	}
}

// Add stores h unless a live handle is already stored under key. It returns
// the handle that ended up stored; a losing h is released.
func (c *SessionCache) Add(key Key, h *Handle) *Handle {
	c.mu.Lock()
	existing, ok := c.items[key]
	if ok && !existing.Released() {
		c.mu.Unlock()
		if existing != h {
			h.Release()
		}
		return existing
	}
	c.items[key] = h
	c.mu.Unlock()

	return h
}
