package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const keyPrefix = "kestrel:"

// RedisCache is the shared L2 cache. Occurrence counters live here so every
// replica sees the same counts.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects to cfg.RedisAddr. A comma-separated address list
// yields a cluster client.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(addr, ","),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the connection to the redis stats backend.
func (c *RedisCache) Client() redis.UniversalClient {
	return c.client
}

func counterKey(key string) string {
	return keyPrefix + "counter:" + key
}

// Get returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// IncrementCounter runs INCR and EXPIRE NX in one MULTI, so the window is
// set by the first increment and never extended.
func (c *RedisCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := counterKey(key)
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

// GetCounter returns 0 for a missing or expired counter.
func (c *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, counterKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
