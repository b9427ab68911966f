package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stats describes the in-process cache.
type Stats struct {
	Entries  int    `json:"entries"`
	Counters int    `json:"counters"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// MemoryCache keeps cached scores and occurrence counters in process. It is
// the community tier cache and the L1 of the two-phase cache. Counters are
// bounded like entries, so idle entities age out instead of accumulating.
type MemoryCache struct {
	mu       sync.Mutex
	entries  *lru[[]byte]
	counters *lru[*counter]
	hits     uint64
	misses   uint64
	now      func() time.Time
}

type counter struct {
	n int64
}

// NewMemoryCache creates a cache holding at most maxSize entries and as many
// counters.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryCache{
		entries:  newLRU[[]byte](maxSize),
		counters: newLRU[*counter](maxSize),
		now:      time.Now,
	}
}

func requireKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: cache key is required", domain.ErrInvalidInput)
	}
	return nil
}

// Get returns nil, nil on a miss.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	val, ok := c.entries.get(key, c.now())
	if !ok {
		c.misses++
		return nil, nil
	}
	c.hits++
	return val, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := requireKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.put(key, value, c.now().Add(ttl))
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.remove(key)
	return nil
}

// IncrementCounter bumps a fixed-window counter. The window opens on the
// first increment and the count restarts at 1 once it has passed.
func (c *MemoryCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := requireKey(key); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cnt, ok := c.counters.get(key, now); ok {
		cnt.n++
		return cnt.n, nil
	}
	c.counters.put(key, &counter{n: 1}, now.Add(window))
	return 1, nil
}

// GetCounter returns 0 for a missing or expired counter.
func (c *MemoryCache) GetCounter(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cnt, ok := c.counters.get(key, c.now()); ok {
		return cnt.n, nil
	}
	return 0, nil
}

func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.reset()
	c.counters.reset()
	return nil
}

// Stats returns current sizes and hit counts.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:  c.entries.len(),
		Counters: c.counters.len(),
		Capacity: c.entries.max,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}
