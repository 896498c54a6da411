package pseudonym

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "linkpoint:counter:"

// RedisCounter keeps issuer counters in Redis so that they also survive
// restarts and can be shared by several linkage server instances.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

type RedisCounterOption func(*RedisCounter)

// WithKeyPrefix overrides the "linkpoint:counter:" key prefix.
func WithKeyPrefix(prefix string) RedisCounterOption {
	return func(c *RedisCounter) {
		c.prefix = prefix
	}
}

func NewRedisCounter(client redis.Cmdable, opts ...RedisCounterOption) *RedisCounter {
	c := &RedisCounter{
		client: client,
		prefix: counterKeyPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Reserve uses INCRBY, which is atomic on the server.
func (c *RedisCounter) Reserve(ctx context.Context, issuer string, n uint64) (uint64, error) {
	end, err := c.client.IncrBy(ctx, c.prefix+issuer, int64(n)).Result()
	if err != nil {
		return 0, fmt.Errorf("reserve counter: %w", err)
	}
	return uint64(end) - n, nil
}

// Close closes the underlying client when it owns a connection pool.
func (c *RedisCounter) Close() error {
	if closer, ok := c.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// DialRedis parses url and checks the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
