// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telegram

import "context"

// Responder replies into one chat. The first message quotes the user's
// message; later ones stand alone.
type Responder struct {
	client  *Client
	chatID  int64
	replyTo int64
}

// NewResponder binds client to chatID, replying to message replyTo.
func NewResponder(client *Client, chatID, replyTo int64) *Responder {
	return &Responder{client: client, chatID: chatID, replyTo: replyTo}
}

// Send posts text.
func (r *Responder) Send(ctx context.Context, text string) (int64, error) {
	return r.SendWithKeyboard(ctx, text, nil)
}

// SendWithKeyboard posts text with an inline keyboard.
func (r *Responder) SendWithKeyboard(ctx context.Context, text string, kb *InlineKeyboardMarkup) (int64, error) {
	id, err := r.client.SendMessage(ctx, r.chatID, text, SendOptions{ReplyTo: r.replyTo, Keyboard: kb})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Edit replaces the text of messageID.
func (r *Responder) Edit(ctx context.Context, messageID int64, text string) error {
	return r.client.EditMessageText(ctx, r.chatID, messageID, text, nil)
}

// EditWithKeyboard replaces the text and keyboard of messageID.
func (r *Responder) EditWithKeyboard(ctx context.Context, messageID int64, text string, kb *InlineKeyboardMarkup) error {
	return r.client.EditMessageText(ctx, r.chatID, messageID, text, kb)
}

// SendPhoto posts the image at url.
func (r *Responder) SendPhoto(ctx context.Context, url, caption string) error {
	return r.client.SendPhoto(ctx, r.chatID, url, caption, r.replyTo)
}

// Typing shows the typing indicator.
func (r *Responder) Typing(ctx context.Context) error {
	return r.client.SendChatAction(ctx, r.chatID, "typing")
}
