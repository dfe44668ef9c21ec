// Package kv defines the general-purpose persistent key/value store used for
// session records, device metadata, the token blacklist and rate-limit
// counters, together with its SQLite, Redis and in-memory implementations.
package kv

import (
	"context"
)

// Repository stores opaque byte values under string keys.
//
// Get returns (nil, nil) for a missing key. Delete and DeleteMany ignore
// missing keys. Keys returns every key starting with prefix, sorted.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Clear(ctx context.Context) error
}
