// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNew_Kinds(t *testing.T) {
	c, err := New(KindMemory)
	require.NoError(t, err)
	require.IsType(t, &MemoryCounter{}, c)

	_, err = New(KindRedis)
	require.ErrorIs(t, err, ErrInvalidConfig)

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	c, err = New(KindRedis, WithRedisClient(rdb), WithKeyPrefix("t:"), WithTTL(time.Hour))
	require.NoError(t, err)
	rc := c.(*RedisCounter)
	require.Equal(t, "t:", rc.prefix)
	require.Equal(t, time.Hour, rc.ttl)
	require.NoError(t, c.Close())

	_, err = New("etcd")
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestDayKey(t *testing.T) {
	at := time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC)
	require.Equal(t, "quota:2025-03-09:visitor:7", DayKey(DefaultKeyPrefix, "visitor:7", at))
}

func TestMemoryCounter_ResetsPerDay(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	day1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	n, _ := c.Increment(ctx, "u", day1)
	require.EqualValues(t, 1, n)
	n, _ = c.Increment(ctx, "u", day1)
	require.EqualValues(t, 2, n)

	got, _ := c.Count(ctx, "u", day2)
	require.Zero(t, got)
	n, _ = c.Increment(ctx, "u", day2)
	require.EqualValues(t, 1, n)
}

func TestLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryCounter(), 2)
	fixed := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	left, err := l.Allow(ctx, "v")
	require.NoError(t, err)
	require.EqualValues(t, 1, left)

	left, err = l.Allow(ctx, "v")
	require.NoError(t, err)
	require.EqualValues(t, 0, left)

	_, err = l.Allow(ctx, "v")
	require.ErrorIs(t, err, ErrExceeded)

	rem, err := l.Remaining(ctx, "v")
	require.NoError(t, err)
	require.Zero(t, rem)

	// Other visitors are unaffected.
	_, err = l.Allow(ctx, "w")
	require.NoError(t, err)

	// Next day resets.
	fixed = fixed.Add(24 * time.Hour)
	_, err = l.Allow(ctx, "v")
	require.NoError(t, err)
}

func TestMemoryCounter_DecrementStopsAtZero(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	day := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	n, err := c.Decrement(ctx, "u", day)
	require.NoError(t, err)
	require.Zero(t, n)

	c.Increment(ctx, "u", day)
	c.Increment(ctx, "u", day)
	n, _ = c.Decrement(ctx, "u", day)
	require.EqualValues(t, 1, n)

	// A refund aimed at another day leaves today's count alone.
	n, _ = c.Decrement(ctx, "u", day.Add(-24*time.Hour))
	require.Zero(t, n)
	got, _ := c.Count(ctx, "u", day)
	require.EqualValues(t, 1, got)
}

func TestLimiter_Refund(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryCounter(), 1)

	_, err := l.Allow(ctx, "v")
	require.NoError(t, err)
	_, err = l.Allow(ctx, "v")
	require.ErrorIs(t, err, ErrExceeded)

	require.NoError(t, l.Refund(ctx, "v"))
	rem, err := l.Remaining(ctx, "v")
	require.NoError(t, err)
	require.EqualValues(t, 1, rem)

	// Refunds never push the count below zero.
	require.NoError(t, l.Refund(ctx, "v"))
	require.NoError(t, l.Refund(ctx, "v"))
	_, err = l.Allow(ctx, "v")
	require.NoError(t, err)
	_, err = l.Allow(ctx, "v")
	require.ErrorIs(t, err, ErrExceeded)

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Refund(ctx, "v"))
}

func TestLimiter_Disabled(t *testing.T) {
	var nilLimiter *Limiter
	left, err := nilLimiter.Allow(context.Background(), "v")
	require.NoError(t, err)
	require.EqualValues(t, -1, left)

	l := NewLimiter(NewMemoryCounter(), 0)
	for i := 0; i < 10; i++ {
		_, err := l.Allow(context.Background(), "v")
		require.NoError(t, err)
	}
}

func TestLimiter_ConcurrentNeverOverspends(t *testing.T) {
	l := NewLimiter(NewMemoryCounter(), 5)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Allow(context.Background(), "v"); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, allowed)
}
