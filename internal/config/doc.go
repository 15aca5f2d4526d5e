// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and validation for relaybot.
//
// Supports TOML, JSON and YAML files with defaults, environment variable
// overrides and validation.
//
// # Key Types
//
//   - Config: Main configuration structure
//   - BotConfig: Telegram front-end and dispatch rules
//   - QuotaConfig: Visitor allowance backend (memory or Redis)
//   - ProviderConfig: Credential derivation for free platforms
//
// Masks and platforms are declared as [masks.<key>] and [platforms.<key>]
// tables and decode straight into model.Mask and model.Descriptor.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RELAYBOT_*)
//   - ~/.relaybot/config.toml
//   - ~/.relaybot/config.json
//   - ~/.relaybot/config.yaml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
