// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// TranscriptionModel is the model a platform must list to accept audio.
const TranscriptionModel = "whisper-1"

// Region selects which base URL a platform instance uses.
type Region string

const (
	RegionAuto     Region = "auto"
	RegionDomestic Region = "domestic"
	RegionForeign  Region = "foreign"
)

// Descriptor is the static configuration of one upstream platform.
type Descriptor struct {
	Key       string `toml:"-" json:"-" yaml:"-"`
	Name      string `toml:"name" json:"name" yaml:"name"`
	LocalName string `toml:"local_name" json:"local_name" yaml:"local_name"`

	DomesticBaseURL string `toml:"domestic_base_url" json:"domestic_base_url" yaml:"domestic_base_url"`
	ForeignBaseURL  string `toml:"foreign_base_url" json:"foreign_base_url" yaml:"foreign_base_url"`

	// APIKeys are static credentials, rotated round-robin per instance.
	APIKeys []string `toml:"api_keys" json:"api_keys" yaml:"api_keys"`

	// CredentialProvider names a registered deriver used when APIKeys is empty.
	CredentialProvider string `toml:"credential_provider" json:"credential_provider" yaml:"credential_provider"`

	// Ephemeral platforms run on derived credentials that expire silently.
	// A 403 or an empty stream triggers re-derivation instead of failing.
	Ephemeral bool `toml:"ephemeral" json:"ephemeral" yaml:"ephemeral"`

	// RefreshOnServerError re-derives credentials on HTTP 500.
	RefreshOnServerError bool `toml:"refresh_on_server_error" json:"refresh_on_server_error" yaml:"refresh_on_server_error"`

	SupportedModels []string            `toml:"supported_models" json:"supported_models" yaml:"supported_models"`
	SupportedMasks  []string            `toml:"supported_masks" json:"supported_masks" yaml:"supported_masks"`
	MaskModels      map[string][]string `toml:"mask_models" json:"mask_models" yaml:"mask_models"`

	IndexURL        string `toml:"index_url" json:"index_url" yaml:"index_url"`
	PaymentURL      string `toml:"payment_url" json:"payment_url" yaml:"payment_url"`
	MaxHistoryTurns int    `toml:"max_history_turns" json:"max_history_turns" yaml:"max_history_turns"`

	// Billing enables the OpenAI-style dashboard billing endpoints.
	Billing     bool   `toml:"billing" json:"billing" yaml:"billing"`
	BalancePath string `toml:"balance_path" json:"balance_path" yaml:"balance_path"`

	// CompletionPath overrides "/chat/completions" relative to the base URL.
	CompletionPath string `toml:"completion_path" json:"completion_path" yaml:"completion_path"`

	// RawAuthorization sends the key without the "Bearer " scheme.
	RawAuthorization bool `toml:"raw_authorization" json:"raw_authorization" yaml:"raw_authorization"`

	// RequestsPerSecond limits outbound requests; zero disables the limit.
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"`
}

// DisplayName returns the configured name, falling back to the key.
func (d *Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Key
}

// BaseURL picks the base URL for a region. RegionAuto selects the domestic
// endpoint on Windows hosts and the foreign one elsewhere. When only one
// URL is configured it is used regardless of region.
func (d *Descriptor) BaseURL(region Region, goos string) string {
	domestic := strings.TrimSuffix(d.DomesticBaseURL, "/")
	foreign := strings.TrimSuffix(d.ForeignBaseURL, "/")
	if domestic == "" {
		return foreign
	}
	if foreign == "" {
		return domestic
	}
	switch region {
	case RegionDomestic:
		return domestic
	case RegionForeign:
		return foreign
	}
	if goos == "windows" {
		return domestic
	}
	return foreign
}

// SupportsMask reports whether the platform offers the mask. An empty
// list means every mask is offered.
func (d *Descriptor) SupportsMask(key string) bool {
	return len(d.SupportedMasks) == 0 || contains(d.SupportedMasks, key)
}

// SupportsModel reports whether the platform serves model. An empty list
// means every model is served.
func (d *Descriptor) SupportsModel(m string) bool {
	return len(d.SupportedModels) == 0 || contains(d.SupportedModels, m)
}

// CanTranscribe reports whether audio content is accepted.
func (d *Descriptor) CanTranscribe() bool {
	return contains(d.SupportedModels, TranscriptionModel)
}

// AllowedModels returns the models usable with mask on this platform, in
// preference order. An explicit mask mapping wins; otherwise the mask's
// allow-list is filtered by the platform's model list.
func (d *Descriptor) AllowedModels(mask *Mask) []string {
	if mask == nil {
		return append([]string(nil), d.SupportedModels...)
	}
	if mapped, ok := d.MaskModels[mask.Key]; ok && len(mapped) > 0 {
		return append([]string(nil), mapped...)
	}
	if len(mask.SupportedModels) == 0 {
		return append([]string(nil), d.SupportedModels...)
	}
	var out []string
	for _, m := range mask.SupportedModels {
		if d.SupportsModel(m) {
			out = append(out, m)
		}
	}
	return out
}

// AllowsModel reports whether model may be used with mask on this platform.
func (d *Descriptor) AllowsModel(mask *Mask, m string) bool {
	allowed := d.AllowedModels(mask)
	if len(allowed) == 0 {
		return mask.Supports(m) && d.SupportsModel(m)
	}
	return contains(allowed, m)
}

// FirstMask returns the first supported mask key, or "" when unrestricted.
func (d *Descriptor) FirstMask() string {
	if len(d.SupportedMasks) == 0 {
		return ""
	}
	return d.SupportedMasks[0]
}
