// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package platform adapts upstream completion providers to one interface.
//
// A Platform instance is bound to one chat session and owns that session's
// history buffer. Instances are built by a Registry from a static
// model.Descriptor and a Factory registered under the platform key.
//
// # Credentials
//
// The Registry resolves credentials in order: static keys (rotated
// round-robin), the persistent side-store, then a named CredentialProvider.
// Concurrent derivations for one key are coalesced with singleflight and the
// result is written back to the side-store.
//
// # Recovery
//
// Ephemeral platforms refresh their credential on HTTP 403 and on empty
// streams; platforms flagged RefreshOnServerError also refresh on HTTP 500.
// For paid platforms a 403 is returned to the caller.
package platform
