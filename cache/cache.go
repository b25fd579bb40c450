package cache

import (
	"sync"

	"campustrade_feed/models"
)

// Cache holds the latest tick per instrument. Single writer (the producer),
// many readers. Entries are immutable *PriceTick values published atomically
// per key, so no reader ever observes a half-written tick and readers never
// contend with the writer on a global lock.
type Cache struct {
	m sync.Map // instrument key -> *models.PriceTick
}

func New() *Cache {
	return &Cache{}
}

// Put overwrites the entry for the tick's instrument.
func (c *Cache) Put(t *models.PriceTick) {
	if !t.Valid() {
		return
	}
	c.m.Store(t.InstrumentKey, t)
}

// Get returns the latest tick for the key, if any.
func (c *Cache) Get(key string) (*models.PriceTick, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*models.PriceTick), true
}

// Snapshot copies the current state of the cache. Used by the REST surface
// and by external collaborators that need prices without a stream.
func (c *Cache) Snapshot() map[string]*models.PriceTick {
	out := make(map[string]*models.PriceTick)
	c.m.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*models.PriceTick)
		return true
	})
	return out
}

// Len returns the number of instruments that have ever produced a tick.
func (c *Cache) Len() int {
	n := 0
	c.m.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
