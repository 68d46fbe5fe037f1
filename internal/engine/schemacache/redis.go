package schemacache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores entries in redis so invalidation markers and
// permission sets are shared across engine instances.
type RedisBackend struct {
	client *redis.Client
	config Config
}

// RedisConfig holds redis-specific configuration.
type RedisConfig struct {
	// Addr is the redis server address (host:port)
	Addr string
	// Password is the redis password (optional)
	Password string
	// DB is the redis database number
	DB int
	// Config holds common cache configuration
	Config Config
}

// DefaultRedisConfig returns a default redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Config: DefaultConfig(),
	}
}

// NewRedisBackend dials redis and verifies the connection with a
// bounded ping before returning the backend.
func NewRedisBackend(config RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisBackend{client: client, config: config.Config}, nil
}

// NewRedisBackendWithClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle except for Close.
func NewRedisBackendWithClient(client *redis.Client, config Config) *RedisBackend {
	return &RedisBackend{client: client, config: config}
}

// Get retrieves a value.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.config.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss{Key: key}
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores a value. A zero ttl falls back to the configured default.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = r.config.DefaultTTL
	}
	return r.client.Set(ctx, r.config.Prefix+key, value, ttl).Err()
}

// Delete removes a single value.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.config.Prefix+key).Err()
}

// DeletePrefix removes every value whose key starts with prefix. Keys
// are collected with SCAN and deleted in one DEL to keep the round
// trips proportional to the scan, not to the key count.
func (r *RedisBackend) DeletePrefix(ctx context.Context, prefix string) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.config.Prefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Close closes the redis connection.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
