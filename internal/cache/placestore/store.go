// Package placestore wraps the Redis operations behind the places cache.
package placestore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whereitwent/places-backend/internal/core/model"
	"github.com/whereitwent/places-backend/internal/core/observability"
)

var (
	// ErrMiss means the key is not present.
	ErrMiss = errors.New("placestore: cache miss")
	// ErrCorrupt means the key is present but its value does not decode
	// into a place list. The entry is left untouched.
	ErrCorrupt = errors.New("placestore: corrupted value")
	// ErrNotLocked means another filler holds the lease.
	ErrNotLocked = errors.New("placestore: lock not acquired")
)

// compare-and-delete: remove the lease only while we still own it
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Store struct {
	rdb *redis.Client
}

// New connects to the Redis backend named by a redis:// URL and pings it
// once so a bad endpoint fails at startup, not on the first search.
func New(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is required")
	}

	ro, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ro.PoolSize = 64
	ro.MinIdleConns = 4
	ro.DialTimeout = 2 * time.Second
	ro.ReadTimeout = 1 * time.Second
	ro.WriteTimeout = 1 * time.Second
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err = rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Get(ctx context.Context, token string) ([]model.Place, error) {
	start := time.Now()
	raw, err := s.rdb.Get(ctx, token).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		observability.IncCacheMiss()
		return nil, ErrMiss
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis GET %q: %w", token, err)
	}

	places, err := model.DecodePlaces(raw)
	if err != nil {
		observability.IncCacheCorrupt()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	observability.IncCacheHit()
	return places, nil
}

func (s *Store) Set(ctx context.Context, token string, places []model.Place, ttl time.Duration) error {
	raw, err := model.EncodePlaces(places)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.rdb.Set(ctx, token, raw, ttl).Err()
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", token, err)
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, token string, ttl time.Duration) (string, error) {
	lease := newLease()

	start := time.Now()
	ok, err := s.rdb.SetNX(ctx, lockKey(token), lease, ttl).Result()
	observability.ObserveCacheOp("lock", err, time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("redis SETNX %q: %w", lockKey(token), err)
	}
	if !ok {
		return "", ErrNotLocked
	}
	return lease, nil
}

func (s *Store) ReleaseLock(ctx context.Context, token, lease string) error {
	start := time.Now()
	err := s.rdb.Eval(ctx, releaseScript, []string{lockKey(token)}, lease).Err()
	if err != nil && isScriptingUnavailable(err) {
		// read-then-delete fallback; tolerates the lease expiring between
		// the two commands
		err = s.releaseWithoutScript(ctx, token, lease)
	}
	observability.ObserveCacheOp("unlock", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("release lock %q: %w", lockKey(token), err)
	}
	return nil
}

func (s *Store) releaseWithoutScript(ctx context.Context, token, lease string) error {
	val, err := s.rdb.Get(ctx, lockKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil // already expired
	}
	if err != nil {
		return err
	}
	if val != lease {
		return nil // somebody else's lease by now
	}
	return s.rdb.Del(ctx, lockKey(token)).Err()
}

func (s *Store) Del(ctx context.Context, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	start := time.Now()
	err := s.rdb.Del(ctx, tokens...).Err()
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(tokens), err)
	}
	return nil
}

// Ping checks the Redis connection. The readiness probe uses it.
func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	return err
}

func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func lockKey(token string) string {
	return token + ":lock"
}

func newLease() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func isScriptingUnavailable(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	msg := rerr.Error()
	return strings.HasPrefix(msg, "ERR") &&
		(strings.Contains(msg, "unknown command") || strings.Contains(msg, "EVAL"))
}
