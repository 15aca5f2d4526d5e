// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport executes upstream HTTP calls with condition-based
// recovery.
//
// A Transport wraps one shared, pooled *http.Client. Each logical call is
// attempted up to Attempts times. When an attempt fails with an error that
// matches a Condition, the condition's Recover hook runs (it may patch the
// outgoing request, e.g. swap the Authorization header after a credential
// refresh), the transport sleeps Interval and tries again. Errors that match
// no condition propagate immediately.
//
// # Default Conditions
//
//   - HTTP 403: credential refresh (fatal when no hook is installed)
//   - HTTP 500: credential refresh for platforms on ephemeral tokens
//   - HTTP 503, 405: retried without recovery
//   - ErrEmptyStream: credential refresh
package transport
