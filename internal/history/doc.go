// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history provides the bounded conversation buffer owned by each
// platform instance.
//
// A Buffer keeps at most Capacity turns, dropping the oldest unpinned turn
// first. Providers that require strict user/assistant alternation enable
// alternation mode, in which the buffer never starts on an assistant turn.
//
// Clear moves the current turns into a single undo slot; Restore brings
// them back exactly once. All operations are safe on an empty buffer and
// safe for concurrent use.
package history
