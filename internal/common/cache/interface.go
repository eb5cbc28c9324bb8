package cache

import (
	"context"
	"time"
)

// Cache defines the cache operations used by the submission pipeline.
// The interface is deliberately small so Redis can be swapped for a local
// implementation in tests without touching business logic.
type Cache interface {
	// Get retrieves the value for the given key. A missing key returns
	// an empty string and nil error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL.
	// If ttl is 0, the key will not expire.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist (atomic operation).
	// Returns true if the key was set, false if it already existed.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// Exists returns the number of keys that exist.
	Exists(ctx context.Context, keys ...string) (int64, error)

	// TryLock attempts to acquire a distributed lock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases a distributed lock.
	Unlock(ctx context.Context, key string) error

	// Ping verifies the cache connection is alive.
	Ping(ctx context.Context) error

	// Close closes the cache connection.
	Close() error
}
