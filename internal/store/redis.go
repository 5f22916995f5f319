package store

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Write retry configuration: connection loss is retried inline with
// exponential backoff before surfacing to the caller.
const (
	writeMaxRetries = 3
	writeBaseDelay  = 2 * time.Second
)

// RedisStore implements Store on go-redis with a short-TTL read cache.
type RedisStore struct {
	client *redis.Client
	cache  *memoryCache
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Options configures NewRedis.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedis creates a RedisStore and starts the cache sweeper. The sweeper
// stops when Close is called.
func NewRedis(opts Options, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	s := &RedisStore{
		client: client,
		cache:  newMemoryCache(time.Minute),
		logger: logger,
	}
	return s
}

// Client exposes the underlying client for the few call sites (pub/sub
// health checks) that need it.
func (s *RedisStore) Client() *redis.Client { return s.client }

func isConnError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed)
}

// withWriteRetry runs fn, retrying connection-level failures with
// exponential backoff (2s, 4s, 8s).
func (s *RedisStore) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= writeMaxRetries; attempt++ {
		err = fn()
		if err == nil || !isConnError(err) {
			return err
		}
		if attempt == writeMaxRetries {
			break
		}
		delay := writeBaseDelay * time.Duration(1<<uint(attempt))
		s.logger.Warn().Err(err).Str("op", op).Dur("retry_in", delay).Msg("redis write failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return v, err
}

// GetCached reads through the in-memory cache. On backend failure with
// allowStale set, the last cached value (even expired) is returned.
func (s *RedisStore) GetCached(ctx context.Context, key string, ttl time.Duration, allowStale bool) (string, error) {
	if v, ok := s.cache.get(key); ok {
		return v.(string), nil
	}
	v, err := s.Get(ctx, key)
	if err != nil {
		if allowStale && !errors.Is(err, ErrNil) {
			if stale, ok := s.cache.getStale(key); ok {
				s.logger.Warn().Err(err).Str("key", key).Msg("redis read failed, serving stale cache")
				return stale.(string), nil
			}
		}
		return "", err
	}
	s.cache.set(key, v, ttl)
	return v, nil
}

func (s *RedisStore) HGetAllCached(ctx context.Context, key string, ttl time.Duration) (map[string]string, error) {
	if v, ok := s.cache.get(key); ok {
		return v.(map[string]string), nil
	}
	v, err := s.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.set(key, v, ttl)
	return v, nil
}

// InvalidateCache drops a key from the read cache after a write elsewhere.
func (s *RedisStore) InvalidateCache(key string) { s.cache.del(key) }

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.cache.del(key)
	return s.withWriteRetry(ctx, "set", func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withWriteRetry(ctx, "setnx", func() error {
		var err error
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		s.cache.del(k)
	}
	return s.withWriteRetry(ctx, "del", func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return v, err
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	s.cache.del(key)
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return s.withWriteRetry(ctx, "hset", func() error {
		return s.client.HSet(ctx, key, args).Err()
	})
}

func (s *RedisStore) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	var ok bool
	err := s.withWriteRetry(ctx, "hsetnx", func() error {
		var err error
		ok, err = s.client.HSetNX(ctx, key, field, value).Result()
		return err
	})
	if ok {
		s.cache.del(key)
	}
	return ok, err
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	s.cache.del(key)
	return s.withWriteRetry(ctx, "hdel", func() error {
		return s.client.HDel(ctx, key, fields...).Err()
	})
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, incr).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.withWriteRetry(ctx, "zadd", func() error {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.ZRevRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withWriteRetry(ctx, "sadd", func() error {
		return s.client.SAdd(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withWriteRetry(ctx, "srem", func() error {
		return s.client.SRem(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.withWriteRetry(ctx, "lpush", func() error {
		return s.client.LPush(ctx, key, args...).Err()
	})
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return v, err
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// Scan performs a full cursor-based keyspace iteration for pattern.
func (s *RedisStore) Scan(ctx context.Context, pattern string, count int64) ([]string, error) {
	if count <= 0 {
		count = 100
	}
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

type redisPipe struct {
	p redis.Pipeliner
}

func (rp redisPipe) Set(key, value string, ttl time.Duration) {
	rp.p.Set(context.Background(), key, value, ttl)
}
func (rp redisPipe) Del(keys ...string) { rp.p.Del(context.Background(), keys...) }
func (rp redisPipe) HSet(key string, fields map[string]string) {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	rp.p.HSet(context.Background(), key, args)
}
func (rp redisPipe) HDel(key string, fields ...string) { rp.p.HDel(context.Background(), key, fields...) }
func (rp redisPipe) SAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	rp.p.SAdd(context.Background(), key, args...)
}
func (rp redisPipe) SRem(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	rp.p.SRem(context.Background(), key, args...)
}
func (rp redisPipe) ZAdd(key string, score float64, member string) {
	rp.p.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}
func (rp redisPipe) Expire(key string, ttl time.Duration) {
	rp.p.Expire(context.Background(), key, ttl)
}
func (rp redisPipe) Publish(channel, payload string) {
	rp.p.Publish(context.Background(), channel, payload)
}

// Pipeline executes fn's batched mutations atomically via TxPipeline.
func (s *RedisStore) Pipeline(ctx context.Context, fn func(Pipe)) error {
	return s.withWriteRetry(ctx, "pipeline", func() error {
		pipe := s.client.TxPipeline()
		fn(redisPipe{p: pipe})
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (rs *redisSubscription) Channel() <-chan Message { return rs.out }
func (rs *redisSubscription) Close() error            { return rs.ps.Close() }

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, out: make(chan Message, 64)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// StartSweeper launches the cache eviction loop. It stops when ctx is
// cancelled; call once at boot.
func (s *RedisStore) StartSweeper(ctx context.Context) {
	go s.cache.sweep(ctx)
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
