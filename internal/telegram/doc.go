// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telegram is the messaging front-end: a small Bot API client, a
// long-poll loop and the Responder adapter sessions reply through.
//
// # Flow
//
// The Poller fetches updates with getUpdates and hands each one to a
// Handler on its own goroutine. The Bot handler resolves the user's
// session, converts the message into a session.Inbound (downloading photos,
// documents and voice notes) and dispatches it, replying through a
// Responder bound to the chat.
//
// # Usage
//
//	client := telegram.NewClient(token, httpClient)
//	bot := telegram.NewBot(client, mgr, cmds, telegram.BotConfig{...})
//	poller := telegram.NewPoller(client, bot)
//	err := poller.Run(ctx)
package telegram
