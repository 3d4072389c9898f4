package camcache

import (
	"context"
	"sync"
)

// MemoryCache is an in-process Cache for tests. Invalidations are
// recorded instead of fanned out.
type MemoryCache struct {
	mu            sync.Mutex
	views         map[string]View
	invalidations []string

	// FailReads makes GetView return an error, for degradation tests.
	FailReads error
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{views: map[string]View{}}
}

func (c *MemoryCache) GetView(_ context.Context, exid string) (*View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailReads != nil {
		return nil, c.FailReads
	}
	v, ok := c.views[exid]
	if !ok {
		return nil, nil
	}
	cp := v
	return &cp, nil
}

func (c *MemoryCache) SetView(_ context.Context, view *View) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[view.Exid] = *view
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, exid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations = append(c.invalidations, exid)
	return nil
}

// Invalidations returns the recorded invalidation fan-outs in order.
func (c *MemoryCache) Invalidations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.invalidations...)
}
