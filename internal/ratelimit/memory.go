package ratelimit

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type window struct {
	start time.Time
	count int
}

// MemoryCounter keeps one window per key in process memory. All reads and
// read-modify-writes happen under a single mutex. Idle entries are dropped by
// the ttlcache janitor one window after their last increment.
type MemoryCounter struct {
	mu      sync.Mutex
	length  time.Duration
	windows *ttlcache.Cache[string, *window]
}

func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{
		windows: ttlcache.New[string, *window](
			ttlcache.WithDisableTouchOnHit[string, *window](),
		),
	}
	go c.windows.Start()
	return c
}

func (c *MemoryCounter) Config(_ int, windowLength time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.length = windowLength
}

func (c *MemoryCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *MemoryCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item := c.windows.Get(key); item != nil {
		w := item.Value()
		if w.start.Equal(currentWindow) {
			w.count += amount
			return nil
		}
	}
	c.windows.Set(key, &window{start: currentWindow, count: amount}, c.ttl())
	return nil
}

// Get returns the count for currentWindow. A stored window with any other start
// has rolled over and counts as zero. The previous-window count is always zero.
func (c *MemoryCounter) Get(key string, currentWindow, _ time.Time) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.windows.Get(key)
	if item == nil {
		return 0, 0, nil
	}
	if w := item.Value(); w.start.Equal(currentWindow) {
		return w.count, 0, nil
	}
	return 0, 0, nil
}

// Len is the number of tracked keys, including rolled-over windows not yet
// collected.
func (c *MemoryCounter) Len() int {
	return c.windows.Len()
}

func (c *MemoryCounter) Close() error {
	c.windows.Stop()
	return nil
}

func (c *MemoryCounter) ttl() time.Duration {
	if c.length <= 0 {
		return ttlcache.NoTTL
	}
	return c.length
}
