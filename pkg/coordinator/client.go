// Package coordinator provides the typed client for the shared Redis
// coordinator: per-user lists, TTL'd flags, and the server-side atomic
// scripts that make multi-pod operation safe.
//
// The coordinator is the only shared mutable state between pods. Every
// access goes through this client; no other package talks to Redis.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors.
var (
	// ErrNotFound indicates an absent key. Callers decide what absence
	// means (e.g. upload status "unknown").
	ErrNotFound = errors.New("coordinator: key not found")
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	ReadTimeout time.Duration
	PoolSize    int
}

// LoadConfigFromEnv loads Redis connection settings from environment variables.
func LoadConfigFromEnv() (Config, error) {
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		db = parsed
	}
	return Config{
		Addr:        getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password:    os.Getenv("REDIS_PASSWORD"),
		DB:          db,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 3 * time.Second,
		PoolSize:    10,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Client is a thin typed facade over the Redis coordinator.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a coordinator client. The connection is lazy; call Ping
// to verify reachability.
func NewClient(cfg Config) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.ReadTimeout,
			PoolSize:    cfg.PoolSize,
		}),
	}
}

// NewClientFromRedis wraps an existing go-redis client (used by tests to
// point at an in-process server).
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies coordinator reachability.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("coordinator ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Append pushes values onto the tail of a list.
func (c *Client) Append(ctx context.Context, key string, values ...[]byte) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := c.rdb.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("coordinator rpush %s: %w", key, err)
	}
	return nil
}

// Prepend pushes values onto the head of a list, preserving the given
// order (values[0] ends up at the head).
func (c *Client) Prepend(ctx context.Context, key string, values ...[]byte) error {
	// LPUSH reverses its arguments, so feed them back-to-front.
	args := make([]any, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		args = append(args, values[i])
	}
	if err := c.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("coordinator lpush %s: %w", key, err)
	}
	return nil
}

// Range reads list elements [start, stop] (inclusive, negative indexes as
// in Redis).
func (c *Client) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("coordinator lrange %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Trim retains only list elements [start, stop].
func (c *Client) Trim(ctx context.Context, key string, start, stop int64) error {
	if err := c.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("coordinator ltrim %s: %w", key, err)
	}
	return nil
}

// Len returns the list length (0 for an absent key).
func (c *Client) Len(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coordinator llen %s: %w", key, err)
	}
	return n, nil
}

// Expire refreshes a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("coordinator expire %s: %w", key, err)
	}
	return nil
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("coordinator del: %w", err)
	}
	return nil
}

// Get reads a string key. Returns ErrNotFound for absent keys.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator get %s: %w", key, err)
	}
	return val, nil
}

// SetEx writes a string key with a TTL.
func (c *Client) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("coordinator setex %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent writes a key only if it does not exist (SET NX EX). Returns
// true when the write happened.
func (c *Client) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coordinator setnx %s: %w", key, err)
	}
	return ok, nil
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("coordinator exists %s: %w", key, err)
	}
	return n > 0, nil
}
