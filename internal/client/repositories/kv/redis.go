package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// RedisRepository stores keys under namespace in Redis, which lets several
// client installs on one host share a server without colliding.
type RedisRepository struct {
	client    redis.UniversalClient
	namespace string
}

func NewRedisRepository(client redis.UniversalClient, namespace string) *RedisRepository {
	return &RedisRepository{client: client, namespace: namespace}
}

// NewRedisRepositoryFromURL parses a redis:// URL and pings the server.
func NewRedisRepositoryFromURL(ctx context.Context, url, namespace string) (*RedisRepository, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisRepository(c, namespace), nil
}

func (r *RedisRepository) key(k string) string {
	return r.namespace + k
}

func (r *RedisRepository) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv[%s]: %w", key, err)
	}
	return v, nil
}

func (r *RedisRepository) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set kv[%s]: %w", key, err)
	}
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete kv[%s]: %w", key, err)
	}
	return nil
}

func (r *RedisRepository) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete kv%v: %w", keys, err)
	}
	return nil
}

func (r *RedisRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), r.namespace)
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list kv keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisRepository) Clear(ctx context.Context) error {
	keys, err := r.Keys(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to clear kv: %w", err)
	}
	if err := r.DeleteMany(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear kv: %w", err)
	}
	return nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}
