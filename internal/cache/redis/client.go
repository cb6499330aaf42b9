// Package redis implements the market snapshot cache, the event bus and the
// API rate limiter on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// ConnectTimeout bounds the initial connection attempts. Zero means
	// a single ping.
	ConnectTimeout time.Duration
}

// Client owns the go-redis connection shared by the cache, bus and limiter.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and waits until it answers a ping, retrying with
// exponential backoff for up to cfg.ConnectTimeout.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)

	ping := func() error { return rdb.Ping(ctx).Err() }
	var err error
	if cfg.ConnectTimeout > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = cfg.ConnectTimeout
		err = backoff.Retry(ping, backoff.WithContext(b, ctx))
	} else {
		err = ping()
	}
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing go-redis client. Used with miniredis in
// tests.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
