package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryProvider is an in-process Provider with per-key expiry. The publisher
// uses it for the memory backend and when Valkey is unreachable at startup.
type MemoryProvider struct {
	items *gocache.Cache
}

// NewMemoryProvider returns an empty store that sweeps expired keys every
// cleanup interval.
func NewMemoryProvider(cleanup time.Duration) *MemoryProvider {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryProvider{items: gocache.New(gocache.NoExpiration, cleanup)}
}

// Get returns a copy of the stored bytes, or ErrCacheMiss once the TTL passed.
func (m *MemoryProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.items.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), v.([]byte)...), nil
}

// Set stores value; a ttl of zero keeps it until overwritten or deleted.
func (m *MemoryProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.items.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

// Del removes key.
func (m *MemoryProvider) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.items.Delete(key)
	return nil
}

// Close drops all entries.
func (m *MemoryProvider) Close() error {
	m.items.Flush()
	return nil
}
