// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud speaks the OpenAI-compatible HTTP API offered by every
// relay platform.
//
// All calls go through a transport.Transport, so credential refresh and
// bounded retries apply uniformly. Failures are returned as *APIError, which
// unwraps to a sentinel (ErrAuthFailed, ErrForbidden, ...) and to the
// underlying *transport.HTTPError.
//
// # Key Types
//
//   - Client: chat, streamed chat, image generation, transcription, billing
//   - Decoder: incremental SSE decoder producing cumulative snapshots
//   - Snapshot: (Status, Answer) pair; Answer is always the full text so far
//
// # Usage
//
//	client := cloud.NewClient(tr, platform.Auth)
//	answer, err := client.ChatStream(ctx, cloud.NewChatRequest(
//	    "gpt-4o", turns, mask.Options, true,
//	), func(s cloud.Snapshot) error {
//	    fmt.Println(s.Answer)
//	    return nil
//	})
//
// # Security
//
// API keys are never logged. Request logging is limited to method, path,
// status and timing.
package cloud
