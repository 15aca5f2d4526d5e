// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands provides the slash command system for the bot.
//
// Commands act on the user's session and return a Response: text plus an
// optional grid of buttons. The package knows nothing about the messaging
// front-end; the telegram package renders buttons as inline keyboards and
// routes button presses back through HandleCallback.
//
// # Built-in Commands
//
//   - /start, /help: greeting and command list
//   - /clear, /restore: clear the conversation and bring it back
//   - /masks, /model, /platform: switch persona, model and upstream
//   - /balance, /shop, /status: account and session information
//   - /reset: forget the session entirely
//
// # Parsing
//
// Names are matched case-insensitively. In groups, "/model@other_bot" is
// ignored once Info.Username is set.
//
// # Usage
//
//	reg := commands.NewRegistry(commands.Info{Name: "relaybot", Username: "relay_bot"})
//	resp, ok := reg.Execute(cctx, "/model gpt-4o")
//	if ok {
//	    // render resp
//	}
package commands
