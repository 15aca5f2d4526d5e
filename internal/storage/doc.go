// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists relay state between restarts.
//
// # Key Types
//
//   - CredentialStore: JSON side-store of derived platform credentials,
//     reloaded when the file is edited externally
//   - SessionStore: SQLite snapshots of each user's platform, mask, model
//     and conversation history
//
// # Usage
//
//	creds, err := storage.OpenCredentialStore(filepath.Join(dataDir, "credentials.json"))
//	go creds.Watch(ctx)
//	registry := platform.NewRegistry(client, platform.WithCache(creds))
//
//	sessions, err := storage.OpenSessionStore(filepath.Join(dataDir, "sessions.db"))
//	defer sessions.Close()
package storage
