package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryProvider is an in-process Provider for single-node deployments and tests.
// mu orders lock acquisition against compare-and-delete.
type MemoryProvider struct {
	mu    sync.Mutex
	store *gocache.Cache
}

// NewMemoryProvider builds a MemoryProvider. defaultTTL applies when Set is called with ttl <= 0.
func NewMemoryProvider(defaultTTL, cleanupInterval time.Duration) *MemoryProvider {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &MemoryProvider{store: gocache.New(defaultTTL, cleanupInterval)}
}

// Get returns a copy of the stored bytes or ErrCacheMiss.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := p.store.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	payload, ok := v.([]byte)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), payload...), nil
}

// Set stores a copy of value.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store.Set(key, append([]byte(nil), value...), expiration(ttl))
	return nil
}

// SetNX stores value only when key is absent or expired.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Add(key, append([]byte(nil), value...), expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// ReleaseLock deletes key only while it still holds value.
func (p *MemoryProvider) ReleaseLock(_ context.Context, key string, value []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.store.Get(key)
	if !ok {
		return false, nil
	}
	held, ok := v.([]byte)
	if !ok || !bytes.Equal(held, value) {
		return false, nil
	}
	p.store.Delete(key)
	return true, nil
}

// Del removes key.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store.Delete(key)
	return nil
}

// Close flushes all entries.
func (p *MemoryProvider) Close() error {
	p.store.Flush()
	return nil
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.DefaultExpiration
	}
	return ttl
}
