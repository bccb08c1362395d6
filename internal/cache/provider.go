// Package cache holds the shared key/value store behind two correlator concerns:
// short-lived rule-lookup results for the scorer and per-(job, workspace) locks that
// keep scheduler replicas from running the same job twice.
package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the key/value surface used for rule lookups and job locks. Values are
// opaque bytes; callers choose the encoding.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX acquires key for value when it is absent; it is the lock primitive.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// ReleaseLock deletes key only while it still holds value, so a holder whose TTL
	// lapsed cannot drop the lock another owner took over. It reports whether the
	// key was deleted.
	ReleaseLock(ctx context.Context, key string, value []byte) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss is returned by Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider stores nothing. Rule lookups always miss and every lock is granted,
// which is correct only for a single scheduler replica.
type NoopProvider struct{}

// Get always misses.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set drops the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX always acquires.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// ReleaseLock has nothing to release.
func (NoopProvider) ReleaseLock(context.Context, string, []byte) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
