// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/relaybot/internal/cloud"
)

// FreeBalance is reported by platforms without a billing endpoint.
const FreeBalance = "$0.0 used / $0.0 total"

// ErrNoBalancePath indicates a custom balance query without an endpoint.
var ErrNoBalancePath = errors.New("balance path not configured")

// FormatBalance renders used and total amounts in USD.
func FormatBalance(used, total float64) string {
	return fmt.Sprintf("$%.2f used / $%.2f total", used, total)
}

// DefaultBalance queries the dashboard billing endpoints when the platform
// has billing enabled and reports FreeBalance otherwise.
func DefaultBalance(ctx context.Context, b *Base) (string, error) {
	if !b.desc.Billing {
		return FreeBalance, nil
	}

	var used, total float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := b.client.Subscription(gctx)
		total = v
		return err
	})
	g.Go(func() error {
		v, err := b.client.Usage(gctx)
		used = v
		return err
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("balance query failed: %w", err)
	}
	return FormatBalance(used, total), nil
}

// FixedBalance always reports FreeBalance.
func FixedBalance(context.Context, *Base) (string, error) {
	return FreeBalance, nil
}

// UsedTotalBalance reads {"balanceUsed","balanceTotal"} from the
// descriptor's balance path.
func UsedTotalBalance(ctx context.Context, b *Base) (string, error) {
	if b.desc.BalancePath == "" {
		return "", ErrNoBalancePath
	}
	var resp struct {
		BalanceUsed  float64 `json:"balanceUsed"`
		BalanceTotal float64 `json:"balanceTotal"`
	}
	base := cloud.BillingBase(b.Auth().BaseURL)
	if err := b.client.GetJSON(ctx, base, b.desc.BalancePath, &resp); err != nil {
		return "", fmt.Errorf("balance query failed: %w", err)
	}
	return FormatBalance(resp.BalanceUsed, resp.BalanceTotal), nil
}

// DefaultImage uses the images endpoint.
func DefaultImage(ctx context.Context, b *Base, prompt string) (string, error) {
	return b.client.GenerateImage(ctx, prompt)
}
