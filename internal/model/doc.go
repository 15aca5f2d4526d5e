// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the domain types shared by the relay packages.
//
// # Key Types
//
//   - Turn: one role-tagged message (system, user or assistant)
//   - Content: inbound user content (text, multimodal, audio reference, text list)
//   - ContentPart: one item of a multimodal turn (text or image URL)
//   - Mask: a persona preset (system preamble, generation options, model allow-list)
//   - Descriptor: static configuration of one upstream platform
//
// # Usage
//
// Build a multimodal turn from a photo caption:
//
//	turn := model.UserTurn(model.Multimodal(
//	    model.TextPart("what is this?"),
//	    model.ImageURLPart("data:image/jpeg;base64,..."),
//	))
//
// Turns encode to the OpenAI chat schema: text turns carry a string
// content, multimodal turns carry an array of typed parts.
package model
