// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the relay packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file replacement with fsync
//   - TruncateRunes, TruncateBytes: UTF-8 safe truncation
//   - SplitMessage: chunk long replies for size-limited transports
//   - FormatDuration: compact human-readable durations
//
// # Usage
//
//	for _, chunk := range util.SplitMessage(answer, 4096) {
//	    send(chunk)
//	}
package util
