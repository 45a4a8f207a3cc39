package cache

import (
	"context"
	"errors"
	"time"
)

// Provider defines the minimal cache operations shared by the analyzers.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
