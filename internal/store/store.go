// Package store provides the KV state-store abstraction backing every
// persistent structure in the controller: users, positions, monitored
// orders, settings, presets, trailing stops, locks and the ordered log
// stream. All access paths go through the Store interface so the Redis
// implementation can be swapped for the in-memory one in tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by read operations when the key does not exist.
var ErrNil = errors.New("store: key not found")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Close releases the
// underlying connection; the channel is closed afterwards.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Pipe batches mutations that execute atomically via Exec on the
// underlying transaction pipeline.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	Expire(key string, ttl time.Duration)
	Publish(channel, payload string)
}

// Store is the KV abstraction. Implementations: Redis (production) and
// Memory (tests / degraded fallback).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HSetNX sets a hash field only when absent; reports whether it wrote.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)

	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	// Scan iterates the keyspace with a cursor, never blocking the server
	// on a full key enumeration.
	Scan(ctx context.Context, pattern string, count int64) ([]string, error)

	Pipeline(ctx context.Context, fn func(Pipe)) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// CachedReader is implemented by stores that keep a short-TTL in-memory
// read cache in front of the backend.
type CachedReader interface {
	// GetCached reads through the cache with the given TTL. When
	// allowStale is true and the backend is unreachable, the last cached
	// value is returned instead of the error.
	GetCached(ctx context.Context, key string, ttl time.Duration, allowStale bool) (string, error)
	HGetAllCached(ctx context.Context, key string, ttl time.Duration) (map[string]string, error)
}

// Read-cache TTL tiers.
const (
	SettingsCacheTTL = 30 * time.Second
	HashCacheTTL     = 60 * time.Second
	CountCacheTTL    = 10 * time.Minute
)
