// Package schemacache owns the compiled-schema artifacts and the
// shared invalidation state. Compiled schemas live in process memory;
// a byte-oriented backend (memory or redis) carries the per-workspace
// version markers so invalidation is visible across instances. The
// same backend is reused by the role resolver for its effective
// permission cache.
package schemacache

import (
	"context"
	"time"
)

// Backend is the byte-oriented cache shared by the schema cache and
// the permission cache.
type Backend interface {
	// Get retrieves a value
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL; zero means the default TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every value whose key starts with prefix
	DeletePrefix(ctx context.Context, prefix string) error
}

// Config holds common configuration for cache backends
type Config struct {
	// DefaultTTL is the default time-to-live for cached items
	DefaultTTL time.Duration
	// Prefix is prepended to all cache keys
	Prefix string
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 10 * time.Minute,
		Prefix:     "twenty:",
	}
}

// ErrCacheMiss is returned when a key is not found
type ErrCacheMiss struct {
	Key string
}

func (e ErrCacheMiss) Error() string {
	return "cache miss: " + e.Key
}

// IsCacheMiss checks if an error is a cache miss
func IsCacheMiss(err error) bool {
	_, ok := err.(ErrCacheMiss)
	return ok
}
