package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisClient guards the handful of Redis commands the session store and
// embedding cache use. redis.Nil is a normal miss, not a failure.
type RedisClient struct {
	client  *redis.Client
	breaker *Breaker
}

func NewRedisClient(client *redis.Client, name string, logger *zap.Logger) *RedisClient {
	return &RedisClient{
		client:  client,
		breaker: New(name, "redis", SettingsFor("redis"), logger),
	}
}

// Raw returns the unguarded client.
func (r *RedisClient) Raw() *redis.Client { return r.client }

func (r *RedisClient) IsOpen() bool { return r.breaker.IsOpen() }

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.breaker.Do(ctx, func() error {
		return r.client.Ping(ctx).Err()
	})
}

// Get returns redis.Nil on a miss.
func (r *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	var miss bool
	err := r.breaker.Do(ctx, func() error {
		b, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, redis.Nil
	}
	return out, nil
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.breaker.Do(ctx, func() error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.breaker.Do(ctx, func() error {
		return r.client.Del(ctx, keys...).Err()
	})
}

// Scan collects every key matching pattern.
func (r *RedisClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := r.breaker.Do(ctx, func() error {
		iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}
