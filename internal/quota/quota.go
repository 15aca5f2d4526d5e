// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind selects the counter backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
)

const (
	// DefaultKeyPrefix prefixes every Redis key.
	DefaultKeyPrefix = "quota:"

	// DefaultTTL keeps a day's counter around long enough to survive the
	// date change in any time zone.
	DefaultTTL = 48 * time.Hour
)

var (
	// ErrExceeded indicates the daily allowance is used up.
	ErrExceeded = errors.New("daily quota exceeded")

	// ErrInvalidConfig indicates a backend was selected without its client.
	ErrInvalidConfig = errors.New("invalid quota configuration")

	// ErrInvalidKind indicates an unknown backend name.
	ErrInvalidKind = errors.New("invalid quota counter kind")
)

// Counter tracks per-user daily counts.
type Counter interface {
	// Increment adds one to user's count for the day containing now and
	// returns the new count.
	Increment(ctx context.Context, user string, now time.Time) (int64, error)

	// Decrement takes one back from user's count for the day containing
	// now and returns the new count. It never goes below zero.
	Decrement(ctx context.Context, user string, now time.Time) (int64, error)

	// Count returns user's count for the day containing now.
	Count(ctx context.Context, user string, now time.Time) (int64, error)

	Close() error
}

// Option configures New.
type Option func(*options)

type options struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// WithRedisClient sets the client used by KindRedis.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithTTL sets the expiry applied to each day's Redis key.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// New builds a counter of the given kind.
func New(kind Kind, opts ...Option) (Counter, error) {
	o := &options{ttl: DefaultTTL, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(o)
	}

	switch kind {
	case KindMemory, "":
		return NewMemoryCounter(), nil
	case KindRedis:
		if o.client == nil {
			return nil, fmt.Errorf("%w: redis counter needs a client", ErrInvalidConfig)
		}
		if o.ttl <= 0 {
			o.ttl = DefaultTTL
		}
		return &RedisCounter{client: o.client, ttl: o.ttl, prefix: o.prefix}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}

// DayKey is the storage key for user's count on the day containing t.
func DayKey(prefix, user string, t time.Time) string {
	return prefix + t.Format("2006-01-02") + ":" + user
}

// =============================================================================
// MEMORY COUNTER
// =============================================================================

// MemoryCounter keeps counts in process memory. Days other than the most
// recent one seen are dropped on write.
type MemoryCounter struct {
	mu     sync.Mutex
	day    string
	counts map[string]int64
}

// NewMemoryCounter returns an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

// Increment implements Counter.
func (c *MemoryCounter) Increment(_ context.Context, user string, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	day := now.Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.counts = make(map[string]int64)
	}
	c.counts[user]++
	return c.counts[user], nil
}

// Decrement implements Counter.
func (c *MemoryCounter) Decrement(_ context.Context, user string, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Format("2006-01-02") != c.day || c.counts[user] == 0 {
		return 0, nil
	}
	c.counts[user]--
	return c.counts[user], nil
}

// Count implements Counter.
func (c *MemoryCounter) Count(_ context.Context, user string, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Format("2006-01-02") != c.day {
		return 0, nil
	}
	return c.counts[user], nil
}

// Close implements Counter.
func (c *MemoryCounter) Close() error { return nil }

// =============================================================================
// REDIS COUNTER
// =============================================================================

// RedisCounter keeps counts in Redis with INCR plus EXPIRE.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Increment implements Counter.
func (c *RedisCounter) Increment(ctx context.Context, user string, now time.Time) (int64, error) {
	key := DayKey(c.prefix, user, now)
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("quota increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

// decrScript is DECR that stops at zero and never creates the key.
var decrScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n <= 0 then
	return 0
end
return redis.call("DECR", KEYS[1])
`)

// Decrement implements Counter.
func (c *RedisCounter) Decrement(ctx context.Context, user string, now time.Time) (int64, error) {
	key := DayKey(c.prefix, user, now)
	n, err := decrScript.Run(ctx, c.client, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("quota decrement %s: %w", key, err)
	}
	return n, nil
}

// Count implements Counter.
func (c *RedisCounter) Count(ctx context.Context, user string, now time.Time) (int64, error) {
	key := DayKey(c.prefix, user, now)
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota read %s: %w", key, err)
	}
	return n, nil
}

// Close implements Counter.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}

// =============================================================================
// LIMITER
// =============================================================================

// Limiter enforces a daily allowance on top of a Counter.
type Limiter struct {
	counter Counter
	limit   int64
	now     func() time.Time
}

// NewLimiter allows limit requests per user per day. A limit of zero or
// less disables the check.
func NewLimiter(counter Counter, limit int64) *Limiter {
	return &Limiter{counter: counter, limit: limit, now: time.Now}
}

// Limit returns the daily allowance.
func (l *Limiter) Limit() int64 { return l.limit }

// Allow consumes one request for user and returns how many remain today.
// Once the allowance is spent it returns ErrExceeded without counting.
func (l *Limiter) Allow(ctx context.Context, user string) (int64, error) {
	if l == nil || l.limit <= 0 {
		return -1, nil
	}
	now := l.now()
	used, err := l.counter.Count(ctx, user, now)
	if err != nil {
		return 0, err
	}
	if used >= l.limit {
		return 0, ErrExceeded
	}
	n, err := l.counter.Increment(ctx, user, now)
	if err != nil {
		return 0, err
	}
	if n > l.limit {
		// Lost a race with another process; give the slot back.
		if _, err := l.counter.Decrement(ctx, user, now); err != nil {
			return 0, err
		}
		return 0, ErrExceeded
	}
	return l.limit - n, nil
}

// Refund gives back one request charged to user today, for an exchange
// that failed before the user got an answer.
func (l *Limiter) Refund(ctx context.Context, user string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	_, err := l.counter.Decrement(ctx, user, l.now())
	return err
}

// Remaining reports the unused allowance without consuming it.
func (l *Limiter) Remaining(ctx context.Context, user string) (int64, error) {
	if l == nil || l.limit <= 0 {
		return -1, nil
	}
	used, err := l.counter.Count(ctx, user, l.now())
	if err != nil {
		return 0, err
	}
	if used >= l.limit {
		return 0, nil
	}
	return l.limit - used, nil
}
