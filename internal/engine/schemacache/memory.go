package schemacache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// sweepInterval is how often expired entries are evicted in bulk.
// Lookups evict lazily on top of that, so a long interval only
// affects memory held by keys nobody reads anymore.
const sweepInterval = time.Minute

// MemoryBackend keeps entries in process memory. It is the default
// backend for single-instance deployments and for tests.
type MemoryBackend struct {
	data   sync.Map
	config Config
	cancel context.CancelFunc
}

type entry struct {
	value  []byte
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// NewMemoryBackend creates an in-memory backend with the default config.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithConfig(DefaultConfig())
}

// NewMemoryBackendWithConfig creates an in-memory backend and starts
// its background sweeper.
func NewMemoryBackendWithConfig(config Config) *MemoryBackend {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MemoryBackend{config: config, cancel: cancel}
	go m.sweep(ctx)
	return m
}

// Get retrieves a value, evicting it if its TTL has lapsed.
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullKey := m.config.Prefix + key
	raw, ok := m.data.Load(fullKey)
	if !ok {
		return nil, ErrCacheMiss{Key: key}
	}
	e := raw.(entry)
	if e.expired(time.Now()) {
		m.data.Delete(fullKey)
		return nil, ErrCacheMiss{Key: key}
	}
	return e.value, nil
}

// Set stores a value. A zero ttl falls back to the configured default;
// a negative ttl stores the entry without expiry.
func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}
	m.data.Store(m.config.Prefix+key, e)
	return nil
}

// Delete removes a single value.
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data.Delete(m.config.Prefix + key)
	return nil
}

// DeletePrefix removes every value whose key starts with prefix.
func (m *MemoryBackend) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := m.config.Prefix + prefix
	m.data.Range(func(key, _ any) bool {
		if strings.HasPrefix(key.(string), full) {
			m.data.Delete(key)
		}
		return true
	})
	return nil
}

// Close stops the background sweeper.
func (m *MemoryBackend) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *MemoryBackend) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.data.Range(func(key, raw any) bool {
				if raw.(entry).expired(now) {
					m.data.Delete(key)
				}
				return true
			})
		}
	}
}
