package workload

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RowCountCache memoizes dataset row counts by dataset id for the lifetime
// of the process. Concurrent callers for the same id share one computation;
// a failed computation is not cached.
type RowCountCache struct {
	mu     sync.RWMutex
	counts map[string]int64
	group  singleflight.Group
}

// NewRowCountCache creates an empty cache.
func NewRowCountCache() *RowCountCache {
	return &RowCountCache{counts: make(map[string]int64)}
}

// Get returns the cached count for id, computing it with compute on a miss.
func (c *RowCountCache) Get(ctx context.Context, id string, compute func(ctx context.Context) (int64, error)) (int64, error) {
	c.mu.RLock()
	n, ok := c.counts[id]
	c.mu.RUnlock()
	if ok {
		return n, nil
	}

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		c.mu.RLock()
		n, ok := c.counts[id]
		c.mu.RUnlock()
		if ok {
			return n, nil
		}

		n, err := compute(ctx)
		if err != nil {
			return int64(0), err
		}
		c.mu.Lock()
		c.counts[id] = n
		c.mu.Unlock()
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Peek returns the cached count for id without computing it.
func (c *RowCountCache) Peek(id string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.counts[id]
	return n, ok
}
