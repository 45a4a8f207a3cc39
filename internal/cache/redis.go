package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisProvider implements Provider backed by a Redis/Valkey-compatible server.
type RedisProvider struct {
	client *redis.Client
}

// RedisConfig holds connection parameters for the cache server.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// NewRedisProvider creates a Provider using the supplied configuration. It pings the
// server so misconfigured credentials or addresses fail at startup.
func NewRedisProvider(ctx context.Context, cfg RedisConfig) (*RedisProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisProvider{client: client}, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *RedisProvider) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := p.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return payload, nil
}

// Set stores bytes with the provided TTL.
func (p *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := p.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Del removes key.
func (p *RedisProvider) Del(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (p *RedisProvider) Close() error { return p.client.Close() }
