package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of redis commands the store needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// RedisStore shares claims between dispatcher replicas.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client RedisClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) Claim(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key, r.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim task id %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := r.client.Del(ctx, r.prefix+key); err != nil {
		return fmt.Errorf("failed to release task id %s: %w", key, err)
	}
	return nil
}

type goRedisWrapper struct {
	client redis.UniversalClient
}

// WrapGoRedis adapts a go-redis client.
func WrapGoRedis(client redis.UniversalClient) RedisClient {
	return &goRedisWrapper{client: client}
}

func (w *goRedisWrapper) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	result, err := w.client.SetArgs(ctx, key, "1", redis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return result == "OK", nil
}

func (w *goRedisWrapper) Del(ctx context.Context, key string) error {
	return w.client.Del(ctx, key).Err()
}
