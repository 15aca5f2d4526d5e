// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/relaybot/internal/commands"
	"github.com/jeranaias/relaybot/internal/session"
)

// User-visible texts of the front-end itself.
const (
	privateText     = "This bot is private."
	slowDownText    = "You are sending messages too quickly. Please wait a moment."
	downloadErrText = "The file could not be downloaded: "
)

// BotConfig controls who may use the bot and how files are fetched.
type BotConfig struct {
	// Members are users with full access. An empty list admits everyone
	// as a member.
	Members []int64

	// AllowVisitors lets non-members in with visitor restrictions.
	AllowVisitors bool

	// DataDir receives downloaded voice notes until they are transcribed.
	DataDir string

	// MaxDocumentBytes caps document downloads; zero means the Bot API limit.
	MaxDocumentBytes int64
}

// Bot turns updates into commands and session dispatches.
type Bot struct {
	client   *Client
	manager  *session.Manager
	commands *commands.Registry
	cfg      BotConfig
	members  map[int64]struct{}
}

// NewBot wires the front-end to manager and registry.
func NewBot(client *Client, manager *session.Manager, registry *commands.Registry, cfg BotConfig) *Bot {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "relaybot")
	}
	members := make(map[int64]struct{}, len(cfg.Members))
	for _, id := range cfg.Members {
		members[id] = struct{}{}
	}
	return &Bot{client: client, manager: manager, commands: registry, cfg: cfg, members: members}
}

// RegisterMenu publishes the visible commands to the client's menu.
func (b *Bot) RegisterMenu(ctx context.Context) error {
	var cmds []BotCommand
	for _, e := range b.commands.Menu() {
		cmds = append(cmds, BotCommand{Command: e.Command, Description: e.Description})
	}
	return b.client.SetMyCommands(ctx, cmds)
}

// HandleUpdate implements Handler.
func (b *Bot) HandleUpdate(ctx context.Context, u Update) {
	switch {
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	}
}

// identify maps a Telegram account to a session user. ok is false when the
// account may not use the bot.
func (b *Bot) identify(from *User) (session.User, bool) {
	if from == nil || from.IsBot {
		return session.User{}, false
	}
	user := session.User{ID: from.ID, Name: from.DisplayName()}
	if len(b.members) == 0 {
		return user, true
	}
	if _, ok := b.members[from.ID]; ok {
		return user, true
	}
	if !b.cfg.AllowVisitors {
		return user, false
	}
	user.Visitor = true
	return user, true
}

// =============================================================================
// MESSAGES
// =============================================================================

func (b *Bot) handleMessage(ctx context.Context, m *Message) {
	out := NewResponder(b.client, m.Chat.ID, m.MessageID)
	user, ok := b.identify(m.From)
	if !ok {
		if m.From != nil && !m.From.IsBot {
			log.Printf("telegram: refused user %d", m.From.ID)
			b.send(ctx, out, privateText)
		}
		return
	}
	if !b.manager.Allow(user.ID) {
		b.send(ctx, out, slowDownText)
		return
	}

	s, err := b.manager.Get(ctx, user)
	if err != nil {
		log.Printf("telegram: user %d: session unavailable: %v", user.ID, err)
		return
	}

	if commands.IsCommand(m.Text) {
		c := &commands.Context{Ctx: ctx, User: user, Session: s, Manager: b.manager}
		if resp, handled := b.commands.Execute(c, m.Text); handled {
			b.respond(ctx, out, resp)
			return
		}
	}

	in, err := b.inbound(ctx, m)
	if err != nil {
		log.Printf("telegram: user %d: %v", user.ID, err)
		b.send(ctx, out, downloadErrText+err.Error())
		return
	}
	if _, err := s.Dispatch(ctx, in, out); err != nil {
		log.Printf("telegram: user %d: %s dispatch failed: %v", user.ID, in.Kind, err)
	}
}

// inbound converts a message into session input, downloading media.
func (b *Bot) inbound(ctx context.Context, m *Message) (session.Inbound, error) {
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	switch {
	case len(m.Photo) > 0:
		url, err := b.imageURL(ctx, largestPhoto(m.Photo).FileID)
		if err != nil {
			return session.Inbound{}, err
		}
		return session.Inbound{Kind: session.KindPhoto, Text: text, Images: []string{url}}, nil

	case m.Video != nil || m.Animation != nil:
		v := m.Video
		if v == nil {
			v = m.Animation
		}
		in := session.Inbound{Kind: session.KindVideo, Text: text}
		frames, err := b.frames(ctx, v.Thumbnail)
		if err != nil {
			return session.Inbound{}, err
		}
		in.Images = frames
		return in, nil

	case m.Document != nil:
		d := m.Document
		doc := &session.Document{Name: d.FileName, MIMEType: d.MIMEType}
		in := session.Inbound{Kind: session.KindDocument, Text: text, Document: doc}
		if doc.IsVideo() {
			frames, err := b.frames(ctx, d.Thumbnail)
			if err != nil {
				return session.Inbound{}, err
			}
			in.Images = frames
			return in, nil
		}
		data, err := b.client.Download(ctx, d.FileID, b.cfg.MaxDocumentBytes)
		if err != nil {
			return session.Inbound{}, err
		}
		doc.Data = data
		return in, nil

	case m.Voice != nil || m.Audio != nil:
		v := m.Voice
		if v == nil {
			v = m.Audio
		}
		path, err := b.client.DownloadTo(ctx, v.FileID, b.cfg.DataDir, audioExt(v.MIMEType))
		if err != nil {
			return session.Inbound{}, err
		}
		return session.Inbound{Kind: session.KindAudio, Text: text, AudioPath: path}, nil
	}
	return session.Inbound{Kind: session.KindText, Text: text}, nil
}

// frames returns the key frames of a video. Telegram provides one
// thumbnail per video, which stands in for the frame sampling.
func (b *Bot) frames(ctx context.Context, thumb *PhotoSize) ([]string, error) {
	if thumb == nil {
		return nil, nil
	}
	url, err := b.imageURL(ctx, thumb.FileID)
	if err != nil {
		return nil, err
	}
	return []string{url}, nil
}

// imageURL downloads a JPEG and inlines it as a data URL.
func (b *Bot) imageURL(ctx context.Context, fileID string) (string, error) {
	data, err := b.client.Download(ctx, fileID, 0)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// audioExt picks a file extension the transcription endpoint recognizes.
func audioExt(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	default:
		return ".ogg"
	}
}

// =============================================================================
// CALLBACKS
// =============================================================================

func (b *Bot) handleCallback(ctx context.Context, q *CallbackQuery) {
	user, ok := b.identify(&q.From)
	if !ok {
		b.answer(ctx, q.ID, privateText)
		return
	}
	if !b.manager.Allow(user.ID) {
		b.answer(ctx, q.ID, slowDownText)
		return
	}
	s, err := b.manager.Get(ctx, user)
	if err != nil {
		log.Printf("telegram: user %d: session unavailable: %v", user.ID, err)
		b.answer(ctx, q.ID, "")
		return
	}

	c := &commands.Context{Ctx: ctx, User: user, Session: s, Manager: b.manager}
	resp := b.commands.HandleCallback(c, q.Data)
	b.answer(ctx, q.ID, resp.Toast)

	if resp.Text == "" || q.Message == nil {
		return
	}
	out := NewResponder(b.client, q.Message.Chat.ID, 0)
	if err := out.EditWithKeyboard(ctx, q.Message.MessageID, resp.Text, keyboard(resp.Buttons)); err != nil {
		log.Printf("telegram: user %d: failed to update menu: %v", user.ID, err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (b *Bot) respond(ctx context.Context, out *Responder, resp commands.Response) {
	if resp.Text == "" {
		return
	}
	if _, err := out.SendWithKeyboard(ctx, resp.Text, keyboard(resp.Buttons)); err != nil {
		log.Printf("telegram: failed to send command reply: %v", err)
	}
}

func (b *Bot) send(ctx context.Context, out *Responder, text string) {
	if _, err := out.Send(ctx, text); err != nil {
		log.Printf("telegram: failed to send: %v", err)
	}
}

func (b *Bot) answer(ctx context.Context, id, text string) {
	if err := b.client.AnswerCallbackQuery(ctx, id, text); err != nil {
		log.Printf("telegram: failed to answer callback: %v", err)
	}
}

// keyboard converts command buttons to an inline keyboard.
func keyboard(rows [][]commands.Button) *InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := &InlineKeyboardMarkup{InlineKeyboard: make([][]InlineKeyboardButton, 0, len(rows))}
	for _, row := range rows {
		out := make([]InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			out = append(out, InlineKeyboardButton{Text: btn.Text, CallbackData: btn.Data, URL: btn.URL})
		}
		kb.InlineKeyboard = append(kb.InlineKeyboard, out)
	}
	return kb
}

// String describes the bot for logs.
func (b *Bot) String() string {
	return fmt.Sprintf("telegram bot (%d members, visitors %t)", len(b.members), b.cfg.AllowVisitors)
}
