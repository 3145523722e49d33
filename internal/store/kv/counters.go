// Package kv is an optional Redis-backed cache for volatile counters
// (sessions opened, tool calls, broadcasts). A nil *Counters is a no-op, so
// callers never guard against an unconfigured cache.
package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "hivehub:counter:"

// Counters tracks volatile process counters in Redis.
type Counters struct {
	rdb *redis.Client
}

// Open connects to Redis and verifies the connection. Returns nil (and logs)
// when addr is empty or the server is unreachable; counters degrade to no-op.
func Open(ctx context.Context, addr string, db int) *Counters {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("kv.redis_unreachable", "addr", addr, "error", err)
		rdb.Close()
		return nil
	}
	return &Counters{rdb: rdb}
}

// Incr increments a named counter. Errors are logged, never surfaced.
func (c *Counters) Incr(ctx context.Context, name string) {
	if c == nil {
		return
	}
	if err := c.rdb.Incr(ctx, keyPrefix+name).Err(); err != nil {
		slog.Debug("kv.incr_failed", "counter", name, "error", err)
	}
}

// Get returns a counter value, 0 if absent or the cache is down.
func (c *Counters) Get(ctx context.Context, name string) int64 {
	if c == nil {
		return 0
	}
	v, err := c.rdb.Get(ctx, keyPrefix+name).Int64()
	if err != nil {
		return 0
	}
	return v
}

// Snapshot returns all counters matching the hub prefix.
func (c *Counters) Snapshot(ctx context.Context) map[string]int64 {
	if c == nil {
		return nil
	}
	out := make(map[string]int64)
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if v, err := c.rdb.Get(ctx, key).Int64(); err == nil {
			out[key[len(keyPrefix):]] = v
		}
	}
	return out
}

// Close releases the Redis connection.
func (c *Counters) Close() {
	if c != nil {
		c.rdb.Close()
	}
}
