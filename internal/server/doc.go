// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the optional HTTP status server for a running bot.
//
// # Endpoints
//
//   - GET /health   - liveness, version, uptime, live session count
//   - GET /stats    - live sessions by platform, mask and model
//   - GET /sessions - one entry per live session (no user names)
//
// # Security Features
//
//   - Bearer token authentication with constant-time comparison
//   - IP allowlist (addresses or CIDR ranges)
//   - Per-IP rate limiting (golang.org/x/time/rate)
//   - Forwarding headers honoured only from trusted proxies
//   - Security headers and panic recovery
//
// # Usage
//
//	srv := server.New(server.Config{
//		Addr:      "127.0.0.1:8787",
//		AuthToken: "secret-token",
//	}, manager, registry.Keys())
//	err := srv.Run(ctx)
package server
