// Package cache provides the generic key/value cache used for shared
// state between sheetgate replicas, such as dynamic tenant registry
// snapshots. Backends: in-process memory, Redis, noop.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found in the cache
var ErrNotFound = errors.New("key not found in cache")

// Cache interface defines caching operations
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Close() error
}

// NoopCache discards writes and misses every read
type NoopCache struct{}

// NewNoopCache creates a cache that stores nothing
func NewNoopCache() Cache { return &NoopCache{} }

func (c *NoopCache) Get(ctx context.Context, key string, value interface{}) error {
	return ErrNotFound
}
func (c *NoopCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}
func (c *NoopCache) Delete(ctx context.Context, key string) error   { return nil }
func (c *NoopCache) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}
func (c *NoopCache) Flush(ctx context.Context) error { return nil }
func (c *NoopCache) Close() error                    { return nil }
