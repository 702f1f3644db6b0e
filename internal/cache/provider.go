// Package cache mirrors the live fraud view into a key/value store so
// dashboards outside the process can read it.
package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the key/value surface the view publisher writes through.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a key was not found or has expired.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider accepts writes and never returns data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

// Set discards the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Del does nothing.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close does nothing.
func (NoopProvider) Close() error { return nil }
