// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs one end-user conversation against the upstream
// platforms.
//
// A Session starts Uninitialized and becomes Active on the first authorized
// message, bound to the configured default platform, mask and model. It
// classifies inbound content, checks input budgets and model capabilities,
// calls the active platform (streaming or batch) and relays the answer
// through a Responder. Errors never escape as silence: Dispatch always
// answers with text, and failed exchanges leave the history untouched.
//
// # Key Types
//
//   - Session: per-user state machine, serialized by its own mutex
//   - Manager: owns every live session, rate limits users, evicts idle
//     sessions and persists them to a Store
//   - Responder: the messaging front-end primitives Dispatch needs
//   - Catalog: the immutable set of masks loaded from config
//
// # Usage
//
//	mgr := session.NewManager(deps, session.DefaultManagerConfig())
//	go mgr.Run(ctx)
//
//	s, err := mgr.Get(ctx, session.User{ID: chatID})
//	s.Dispatch(ctx, session.Inbound{Kind: session.KindText, Text: "Hello"}, responder)
package session
