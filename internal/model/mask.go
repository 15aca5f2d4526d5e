// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// GenerationOptions are the sampling parameters forwarded with every
// completion request made under a mask.
type GenerationOptions struct {
	Temperature      float64 `toml:"temperature" json:"temperature,omitempty" yaml:"temperature"`
	TopP             float64 `toml:"top_p" json:"top_p,omitempty" yaml:"top_p"`
	PresencePenalty  float64 `toml:"presence_penalty" json:"presence_penalty,omitempty" yaml:"presence_penalty"`
	FrequencyPenalty float64 `toml:"frequency_penalty" json:"frequency_penalty,omitempty" yaml:"frequency_penalty"`
	MaxTokens        int     `toml:"max_tokens" json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// Mask is a persona preset. Masks are loaded once at startup and never
// mutated afterwards.
type Mask struct {
	Key             string            `toml:"-" json:"-" yaml:"-"`
	Name            string            `toml:"name" json:"name" yaml:"name"`
	SystemPreamble  string            `toml:"system_preamble" json:"system_preamble" yaml:"system_preamble"`
	Options         GenerationOptions `toml:"options" json:"options" yaml:"options"`
	SupportedModels []string          `toml:"supported_models" json:"supported_models" yaml:"supported_models"`
	DefaultModel    string            `toml:"default_model" json:"default_model" yaml:"default_model"`
	MaxHistoryTurns int               `toml:"max_history_turns" json:"max_history_turns" yaml:"max_history_turns"`

	// ImageGenerator masks answer with a generated image URL.
	ImageGenerator bool `toml:"image_generator" json:"image_generator" yaml:"image_generator"`
}

// Leading returns the turns placed before the history in every request.
func (m *Mask) Leading() []Turn {
	if m == nil || m.SystemPreamble == "" {
		return nil
	}
	return []Turn{SystemTurn(m.SystemPreamble)}
}

// Supports reports whether the mask allows model. A mask without an
// allow-list accepts every model.
func (m *Mask) Supports(model string) bool {
	if m == nil {
		return false
	}
	if len(m.SupportedModels) == 0 {
		return true
	}
	return contains(m.SupportedModels, model)
}

// DisplayName returns the configured name, falling back to the key.
func (m *Mask) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Key
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
