// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import "github.com/jeranaias/relaybot/internal/model"

// Free platforms run on derived credentials that expire silently. Both
// report a fixed zero balance.

// NewFree1 builds free_1. Its tokens survive server errors.
func NewFree1(env Env) (Platform, error) {
	env = withDefaults(env, func(d *model.Descriptor) {
		d.Ephemeral = true
	})
	return NewBase(env, WithBalance(FixedBalance)), nil
}

// NewFree3 builds free_3, whose expired tokens also surface as HTTP 500.
func NewFree3(env Env) (Platform, error) {
	env = withDefaults(env, func(d *model.Descriptor) {
		d.Ephemeral = true
		d.RefreshOnServerError = true
	})
	return NewBase(env, WithBalance(FixedBalance)), nil
}
