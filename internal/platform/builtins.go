// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import "github.com/jeranaias/relaybot/internal/model"

// RegisterBuiltins registers every platform shipped with the bot. New
// platforms add a file with a factory and a line here.
func RegisterBuiltins(r *Registry) {
	r.Register(KeyOpenAI, NewOpenAI)
	r.Register(KeyBianxieAI, NewBianxieAI)
	r.Register(KeyChatAnywhere, NewChatAnywhere)
	r.Register(KeySWT, NewSWT)
	r.Register(KeyFree1, NewFree1)
	r.Register(KeyFree3, NewFree3)
	r.Register(KeyFree4, NewFree4)
}

// Built-in platform keys.
const (
	KeyOpenAI       = "openai"
	KeyBianxieAI    = "bianxieai"
	KeyChatAnywhere = "chatanywhere"
	KeySWT          = "swt"
	KeyFree1        = "free_1"
	KeyFree3        = "free_3"
	KeyFree4        = "free_4"
)

// withDefaults copies the descriptor so per-platform defaults never leak
// into the shared registry entry.
func withDefaults(env Env, apply func(d *model.Descriptor)) Env {
	d := *env.Descriptor
	apply(&d)
	env.Descriptor = &d
	return env
}
