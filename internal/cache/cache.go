// Package cache holds cached scores and the occurrence counters behind
// velocity rules.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the cache selected by cfg.Type. "redis" with EnableTwoPhase
// puts a MemoryCache in front of Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported cache type %q", domain.ErrInvalidInput, cfg.Type)
	}
}

// TwoPhaseCache serves score reads from process memory and falls back to
// Redis. Counters always go to Redis.
type TwoPhaseCache struct {
	local  *MemoryCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache connects the Redis tier and builds the local one.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	return newTwoPhase(NewMemoryCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *MemoryCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// Remote returns the Redis tier.
func (c *TwoPhaseCache) Remote() *RedisCache {
	return c.remote
}

// Get fills L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err != nil || val != nil {
		return val, err
	}
	val, err := c.remote.Get(ctx, key)
	if err != nil || val == nil {
		return val, err
	}
	_ = c.local.Set(ctx, key, val, c.l1TTL)
	return val, nil
}

// Set writes both tiers; L1 never outlives L2.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes from both tiers. Other replicas keep their L1 copy until it
// expires, which bounds staleness of an overridden score to l1TTL.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, key, window)
}

func (c *TwoPhaseCache) GetCounter(ctx context.Context, key string) (int64, error) {
	return c.remote.GetCounter(ctx, key)
}

// Ping checks the Redis tier; the local tier cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("redis tier: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns the local tier's statistics.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}
