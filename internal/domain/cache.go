package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a counter and returns new value.
	// The counter expires window after its first increment.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// GetCounter returns the live value of a counter, or 0 if it expired.
	GetCounter(ctx context.Context, key string) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword string `json:"-" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase"` // If true, check local first, then Redis
}
