// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import "github.com/jeranaias/relaybot/internal/model"

// Paid platforms use static keys. A 403 from them means the key ran out of
// quota, so it is surfaced instead of retried.

// NewOpenAI builds a generic OpenAI-compatible platform. Billing follows
// the descriptor.
func NewOpenAI(env Env) (Platform, error) {
	return NewBase(paid(env)), nil
}

// NewBianxieAI builds the bianxieai relay, which exposes dashboard billing.
func NewBianxieAI(env Env) (Platform, error) {
	env = withDefaults(paid(env), func(d *model.Descriptor) {
		d.Billing = true
	})
	return NewBase(env), nil
}

// NewChatAnywhere builds the chatanywhere relay. Its billing endpoints are
// not OpenAI-compatible, so no balance is reported.
func NewChatAnywhere(env Env) (Platform, error) {
	return NewBase(paid(env), WithBalance(FixedBalance)), nil
}

func paid(env Env) Env {
	return withDefaults(env, func(d *model.Descriptor) {
		d.Ephemeral = false
		d.RefreshOnServerError = false
	})
}
