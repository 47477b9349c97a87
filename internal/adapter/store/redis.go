// Package store provides typed operations over the shared Redis key/value
// store: admission counters, the task queue, the GPU semaphore, and the
// conversational session keys.
//
// All coordination between processes goes through these primitives; the core
// holds no cross-process state in memory.
package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/domain"
)

const connectTimeout = 5 * time.Second

// Store wraps a shared Redis connection pool with typed primitives.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis using the configured URL. rediss:// URLs and the
// REDIS_SSL override enable TLS; managed Redis often presents self-signed
// certificates, so verification is relaxed the same way the original
// deployment target requires.
func New(cfg config.Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("op=store.New: %w", err)
	}
	opts.DialTimeout = connectTimeout
	if cfg.RedisTLSEnabled() {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // managed Redis with self-signed certs
		slog.Info("redis: connecting with TLS enabled")
	} else {
		slog.Info("redis: connecting without TLS")
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=store.ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Client exposes the underlying client for script registration.
func (s *Store) Client() *redis.Client { return s.rdb }

// retryRead runs fn with the read retry policy: up to 3 retries, base 250ms,
// factor 2, 20% jitter. Only used for idempotent reads; mutations fail fast.
func retryRead(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

// SetIfAbsent sets key only when it does not exist. Returns true when the
// value was written.
func (s *Store) SetIfAbsent(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=store.set_if_absent key=%s: %w", key, err)
	}
	return ok, nil
}

// IncrWithTTL increments a counter and refreshes its TTL in one pipeline.
// Returns the post-increment value.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("op=store.incr_with_ttl key=%s: %w", key, err)
	}
	return incr.Val(), nil
}

// DecrFloor decrements a counter and deletes it once it reaches zero so the
// value never rests below zero.
func (s *Store) DecrFloor(ctx context.Context, key string) error {
	pipe := s.rdb.Pipeline()
	pipe.Decr(ctx, key)
	get := pipe.Get(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=store.decr_floor key=%s: %w", key, err)
	}
	if cur, err := get.Int64(); err == nil && cur <= 0 {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("op=store.decr_floor.del key=%s: %w", key, err)
		}
	}
	return nil
}

// Get reads a key, retrying transient failures. Returns domain.ErrNotFound
// when the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := retryRead(ctx, func() error {
		v, err := s.rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("op=store.get key=%s: %w", key, err)
	}
	return val, nil
}

// Set writes a key with a TTL.
func (s *Store) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("op=store.set key=%s: %w", key, err)
	}
	return nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=store.del: %w", err)
	}
	return nil
}

// PushTail appends an item to the tail of a list.
func (s *Store) PushTail(ctx context.Context, list, item string) error {
	if err := s.rdb.RPush(ctx, list, item).Err(); err != nil {
		return fmt.Errorf("op=store.push_tail list=%s: %w", list, err)
	}
	return nil
}

// PushHead prepends an item to the head of a list. Used to park a dequeued
// task back in front of the queue without losing its position.
func (s *Store) PushHead(ctx context.Context, list, item string) error {
	if err := s.rdb.LPush(ctx, list, item).Err(); err != nil {
		return fmt.Errorf("op=store.push_head list=%s: %w", list, err)
	}
	return nil
}

// PopHead removes and returns the head of a list. Returns domain.ErrNotFound
// when the list is empty.
func (s *Store) PopHead(ctx context.Context, list string) (string, error) {
	v, err := s.rdb.LPop(ctx, list).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("op=store.pop_head list=%s: %w", list, err)
	}
	return v, nil
}

// ListLen returns the length of a list, retrying transient failures.
func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	var n int64
	err := retryRead(ctx, func() error {
		v, err := s.rdb.LLen(ctx, list).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=store.list_len list=%s: %w", list, err)
	}
	return n, nil
}

// RemoveFirst removes the first occurrence of item from a list. Returns true
// when an element was removed.
func (s *Store) RemoveFirst(ctx context.Context, list, item string) (bool, error) {
	n, err := s.rdb.LRem(ctx, list, 1, item).Result()
	if err != nil {
		return false, fmt.Errorf("op=store.remove_first list=%s: %w", list, err)
	}
	return n > 0, nil
}

// EvalAtomic runs a registered server-side script atomically.
func (s *Store) EvalAtomic(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	res, err := script.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=store.eval_atomic: %w", err)
	}
	return res, nil
}

// ScanKeys collects keys matching pattern. Used by the GPU sweeper.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("op=store.scan pattern=%s: %w", pattern, err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
