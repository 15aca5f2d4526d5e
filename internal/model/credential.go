// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Credential is a usable API key and the base URL it belongs to.
type Credential struct {
	APIKey    string    `json:"api_key"`
	BaseURL   string    `json:"base_url,omitempty"`
	DerivedAt time.Time `json:"derived_at,omitempty"`
}

// Valid reports whether the credential carries a key.
func (c Credential) Valid() bool {
	return c.APIKey != ""
}

// Fingerprint returns a short SHA-256 prefix identifying the key.
// SECURITY: Never log key fragments; use this instead.
func (c Credential) Fingerprint() string {
	if c.APIKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.APIKey))
	return hex.EncodeToString(h[:4])
}

// String redacts the key.
func (c Credential) String() string {
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(c.APIKey), c.Fingerprint())
}
