// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package quota counts daily requests per visitor.
//
// Counters are keyed by calendar day and user, so a visitor's allowance
// resets at midnight in the counter's time zone. The in-memory counter
// serves single-process deployments and tests; the Redis counter shares the
// count between bot processes.
//
//	counter, err := quota.New(quota.KindRedis, quota.WithRedisClient(rdb))
//	limiter := quota.NewLimiter(counter, 20)
//	remaining, err := limiter.Allow(ctx, "visitor:42")
package quota
