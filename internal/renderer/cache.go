package renderer

import (
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cache loads the overlay once per process and hands the same immutable value
// to every request. A failed load is not remembered, so a missing asset keeps
// failing requests until it is put in place.
type Cache struct {
	path    string
	group   singleflight.Group
	overlay atomic.Pointer[Overlay]
}

func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Path returns the file the cache loads from.
func (c *Cache) Path() string { return c.path }

// Get returns the cached overlay, loading it on first use. Concurrent first
// callers share a single load.
func (c *Cache) Get() (*Overlay, error) {
	if o := c.overlay.Load(); o != nil {
		return o, nil
	}

	v, err, _ := c.group.Do(c.path, func() (interface{}, error) {
		if o := c.overlay.Load(); o != nil {
			return o, nil
		}
		o, err := LoadOverlay(c.path)
		if err != nil {
			return nil, err
		}
		c.overlay.Store(o)
		return o, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Overlay), nil
}
