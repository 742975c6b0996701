package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 500 * time.Millisecond

// RedisCounter stores one key per (limiter key, window start) so that several
// replicas share the same counts. Each increment is a single INCRBY + EXPIRE
// transaction.
type RedisCounter struct {
	client  redis.UniversalClient
	prefix  string
	length  time.Duration
	timeout time.Duration
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{
		client:  client,
		prefix:  prefix,
		timeout: defaultRedisTimeout,
	}
}

func (c *RedisCounter) Config(_ int, windowLength time.Duration) {
	c.length = windowLength
}

func (c *RedisCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *RedisCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	k := c.key(key, currentWindow)
	pipe := c.client.TxPipeline()
	pipe.IncrBy(ctx, k, int64(amount))
	pipe.Expire(ctx, k, c.expiry())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	return nil
}

func (c *RedisCounter) Get(key string, currentWindow, _ time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	count, err := c.client.Get(ctx, c.key(key, currentWindow)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("reading rate limit counter: %w", err)
	}
	return count, 0, nil
}

// Ping reports whether the backing store is reachable.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCounter) Close() error {
	return nil
}

func (c *RedisCounter) key(key string, currentWindow time.Time) string {
	return fmt.Sprintf("%s:%s%d", c.prefix, key, currentWindow.Unix())
}

// expiry keeps a key alive for its own window plus one more, which covers
// clock skew between replicas.
func (c *RedisCounter) expiry() time.Duration {
	if c.length <= 0 {
		return time.Hour
	}
	return 2 * c.length
}
