// Package kvcache wraps the Redis client behind the typed operations the
// cache layers use: plain KV with TTLs, bulk pipelines, prefix scans,
// NX leases for distributed singleflight, and the geospatial subcommands
// backing the node index. Errors return to callers untranslated; every
// caller treats a kvcache error as a miss and falls back to the relational
// store, so an unreachable Redis degrades throughput, never correctness.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Option mutates the underlying client options before connecting.
type Option func(*redis.Options)

// WithPoolSize bounds the connection pool.
func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

// WithMinIdleConns keeps warm connections for burst traffic.
func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

// WithDialTimeout overrides the connect timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

// WithReadTimeout overrides the per-command read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

// WithWriteTimeout overrides the per-command write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

// Client is the shared Redis handle. One instance serves all cache layers.
type Client struct {
	rdb *redis.Client
}

// New connects and pings. A failed ping closes the client and errors out so
// startup fails fast instead of limping with a dead cache.
func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     50,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// PoolSizeFromEnv reads REDIS_POOL_SIZE, defaulting to 50.
func PoolSizeFromEnv() int {
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 50
}

// AddrFromEnv reads REDIS_ADDR, defaulting to localhost.
func AddrFromEnv() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	return "localhost:6379"
}

// Get returns the value and whether the key existed.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, safeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return val, true, nil
}

// MGet returns a map of the keys that exist. Missing keys are simply absent
// so callers can diff hits against the requested set.
func (c *Client) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	lookup := make([]string, len(keys))
	for i, k := range keys {
		lookup[i] = safeKey(k)
	}

	vals, err := c.rdb.MGet(ctx, lookup...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}

	out := make(map[string][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		}
	}
	return out, nil
}

// Set writes a value with a TTL (SETEX semantics; ttl 0 never expires).
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, safeKey(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// SetNX creates the key only when absent, with a TTL. This is the
// distributed lease primitive: TTL equals the lease holder's timeout so a
// crashed holder can never block followers past it.
func (c *Client) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, safeKey(key), val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %q: %w", key, err)
	}
	return ok, nil
}

// Del removes keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	lookup := make([]string, len(keys))
	for i, k := range keys {
		lookup[i] = safeKey(k)
	}
	if err := c.rdb.Del(ctx, lookup...).Err(); err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// ScanKeys walks SCAN cursors matching a pattern, capped at limit keys
// (limit <= 0 means unbounded). Used for prefix reads of weather keys and
// targeted invalidation.
func (c *Client) ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis SCAN %q: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if limit > 0 && len(keys) >= limit {
			return keys[:limit], nil
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Entry is one pipelined write.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// SetBatch writes entries in a single pipeline round-trip. Each entry keeps
// its own TTL; weather cells expire at different local-hour boundaries.
func (c *Client) SetBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range entries {
			p.Set(ctx, safeKey(e.Key), e.Value, e.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline SET %d keys: %w", len(entries), err)
	}
	return nil
}

// Expire resets a key's TTL. Returns false when the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, safeKey(key), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXPIRE %q: %w", key, err)
	}
	return ok, nil
}

// TTL returns the remaining lifetime of a key. ok is false when the key
// does not exist or has no expiry.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := c.rdb.TTL(ctx, safeKey(key)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis TTL %q: %w", key, err)
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Ping verifies liveness; the readiness endpoint calls this.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
