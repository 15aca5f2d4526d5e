// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import "github.com/jeranaias/relaybot/internal/model"

// swtBalancePath is used when the descriptor sets none.
const swtBalancePath = "/api/v1/balance"

// NewSWT builds the swt relay, which reports balance as used/total fields.
func NewSWT(env Env) (Platform, error) {
	env = withDefaults(paid(env), func(d *model.Descriptor) {
		if d.BalancePath == "" {
			d.BalancePath = swtBalancePath
		}
	})
	return NewBase(env, WithBalance(UsedTotalBalance)), nil
}
