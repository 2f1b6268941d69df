// Package rastercache holds decoded page pixels keyed by
// (document identity, page, scale, quality). The manager is a single
// process-wide service shared by every viewer session, so revisiting a
// document re-displays instantly; namespaces are dropped explicitly
// when a document is closed or replaced.
package rastercache

import (
	"image"
	"sync"
	"time"
)

// DefaultCap bounds entries per document identity.
const DefaultCap = 20

// Key identifies one raster entry within a document namespace.
type Key struct {
	Page    int
	Scale   float64
	Quality float64
}

type entry struct {
	img        image.Image
	lastAccess time.Time
}

// Cache is the per-document raster store with LRU-by-timestamp
// eviction. The entry for the pinned (currently displayed) page is
// never evicted, even when it is the oldest.
type Cache struct {
	mu      sync.Mutex
	cap     int
	pinned  int
	entries map[Key]*entry
	now     func() time.Time
}

func newCache(cap int) *Cache {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Cache{cap: cap, entries: make(map[Key]*entry), now: time.Now}
}

// Get returns the cached raster and bumps its access time.
func (c *Cache) Get(k Key) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	e.lastAccess = c.now()
	return e.img, true
}

// Put stores a raster. Writing the same key twice is harmless, which
// keeps retries safe. When the cache is over cap the least-recently
// used entry whose page is not pinned is evicted.
func (c *Cache) Put(k Key, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = &entry{img: img, lastAccess: c.now()}
	for len(c.entries) > c.cap {
		if !c.evictLRU() {
			return
		}
	}
}

// Pin records the currently displayed page, protecting its entries
// from eviction.
func (c *Cache) Pin(page int) {
	c.mu.Lock()
	c.pinned = page
	c.mu.Unlock()
}

// DropPage removes every entry for a page, forcing the next request to
// render fresh. Used when annotations on the page change.
func (c *Cache) DropPage(page int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Page == page {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLRU removes the oldest non-pinned entry. Caller holds c.mu.
func (c *Cache) evictLRU() bool {
	var victim Key
	var oldest time.Time
	found := false
	for k, e := range c.entries {
		if k.Page == c.pinned {
			continue
		}
		if !found || e.lastAccess.Before(oldest) {
			victim, oldest, found = k, e.lastAccess, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
	return found
}

// Manager owns one Cache per document identity.
type Manager struct {
	mu     sync.Mutex
	cap    int
	spaces map[string]*Cache
}

// NewManager creates a manager whose namespaces hold at most cap
// entries each.
func NewManager(cap int) *Manager {
	return &Manager{cap: cap, spaces: make(map[string]*Cache)}
}

// Namespace returns (creating if needed) the cache for a document.
func (m *Manager) Namespace(docID string) *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.spaces[docID]
	if !ok {
		c = newCache(m.cap)
		m.spaces[docID] = c
	}
	return c
}

// Drop discards a document's namespace. Required whenever a document is
// closed or replaced, or stale pixels from the old bytes could leak
// into a new session.
func (m *Manager) Drop(docID string) {
	m.mu.Lock()
	delete(m.spaces, docID)
	m.mu.Unlock()
}

// CloseAll discards every namespace.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.spaces = make(map[string]*Cache)
	m.mu.Unlock()
}
