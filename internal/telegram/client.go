// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/relaybot/internal/transport"
	"github.com/jeranaias/relaybot/internal/util"
)

// Bot API limits.
const (
	// DefaultAPIBase is the public Bot API server.
	DefaultAPIBase = "https://api.telegram.org"

	// MaxMessageBytes is the longest text a single message may carry.
	MaxMessageBytes = 4096

	// MaxCaptionBytes bounds photo captions.
	MaxCaptionBytes = 1024

	// MaxDownloadBytes is the largest file the Bot API serves.
	MaxDownloadBytes = 20 << 20
)

// ErrNotModified is returned by EditMessageText when the new text equals
// the old one.
var ErrNotModified = errors.New("message is not modified")

// APIError is an error reported by the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	// RetryAfter is set on flood control errors.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %v)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Is matches ErrNotModified.
func (e *APIError) Is(target error) bool {
	return target == ErrNotModified && strings.Contains(e.Description, "message is not modified")
}

// response is the Bot API envelope.
type response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

func (r *response) err(method string) *APIError {
	e := &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
	if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
		e.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
	}
	return e
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a minimal Telegram Bot API client.
type Client struct {
	token   string
	apiBase string
	tr      *transport.Transport
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	apiBase string
	topts   []transport.Option
}

// WithAPIBase points the client at another Bot API server.
func WithAPIBase(base string) ClientOption {
	return func(c *clientConfig) {
		c.apiBase = strings.TrimSuffix(base, "/")
	}
}

// WithTransportOptions adds options to the client's retrying transport.
func WithTransportOptions(opts ...transport.Option) ClientOption {
	return func(c *clientConfig) {
		c.topts = append(c.topts, opts...)
	}
}

// NewClient creates a client for token over the shared httpClient.
// Flood control (429) and gateway errors are retried.
func NewClient(token string, httpClient *http.Client, opts ...ClientOption) *Client {
	cfg := clientConfig{apiBase: DefaultAPIBase}
	for _, opt := range opts {
		opt(&cfg)
	}

	conds := []transport.Condition{
		{Name: "flood control", Match: transport.StatusIs(http.StatusTooManyRequests), Recover: transport.Noop},
		{Name: "gateway", Match: transport.StatusIs(http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout), Recover: transport.Noop},
	}
	topts := append([]transport.Option{
		transport.WithName("telegram"),
		transport.WithConditions(conds...),
		transport.WithRedaction(redactor(token)),
	}, cfg.topts...)

	return &Client{
		token:   token,
		apiBase: cfg.apiBase,
		tr:      transport.New(httpClient, topts...),
	}
}

// redactor hides the token in URLs.
// SECURITY: the token is part of every request path.
func redactor(token string) func(string) string {
	return func(s string) string {
		if token == "" {
			return s
		}
		return strings.ReplaceAll(s, token, "<token>")
	}
}

// call posts payload to method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: failed to encode request: %w", method, err)
	}
	url := c.apiBase + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp response
	err = c.tr.Do(ctx, req, func(r *http.Response) error {
		return json.NewDecoder(r.Body).Decode(&resp)
	})
	if err != nil {
		var httpErr *transport.HTTPError
		if errors.As(err, &httpErr) && json.Unmarshal(httpErr.Body, &resp) == nil && resp.Description != "" {
			return resp.err(method)
		}
		return fmt.Errorf("telegram %s failed: %w", method, err)
	}
	if !resp.OK {
		return resp.err(method)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("telegram %s: failed to parse result: %w", method, err)
	}
	return nil
}

// =============================================================================
// METHODS
// =============================================================================

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", struct{}{}, &u)
	return u, err
}

// GetUpdates long-polls for updates after offset, waiting up to timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendOptions are optional sendMessage fields.
type SendOptions struct {
	ReplyTo   int64
	Keyboard  *InlineKeyboardMarkup
	ParseMode string
}

// SendMessage sends text to chatID and returns the new message id. Text is
// cut to MaxMessageBytes.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int64, error) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     util.TruncateBytes(text, MaxMessageBytes),
		"disable_web_page_preview": true,
	}
	if opts.ReplyTo != 0 {
		payload["reply_to_message_id"] = opts.ReplyTo
		payload["allow_sending_without_reply"] = true
	}
	if opts.Keyboard != nil {
		payload["reply_markup"] = opts.Keyboard
	}
	if opts.ParseMode != "" {
		payload["parse_mode"] = opts.ParseMode
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessageText replaces the text of a message. An unchanged text is not
// an error.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, keyboard *InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     util.TruncateBytes(text, MaxMessageBytes),
		"disable_web_page_preview": true,
	}
	if keyboard != nil {
		payload["reply_markup"] = keyboard
	}
	err := c.call(ctx, "editMessageText", payload, nil)
	if errors.Is(err, ErrNotModified) {
		return nil
	}
	return err
}

// SendPhoto sends the image at url.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, url, caption string, replyTo int64) error {
	payload := map[string]any{
		"chat_id": chatID,
		"photo":   url,
	}
	if caption != "" {
		payload["caption"] = util.TruncateBytes(caption, MaxCaptionBytes)
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
		payload["allow_sending_without_reply"] = true
	}
	return c.call(ctx, "sendPhoto", payload, nil)
}

// SendChatAction shows a status such as "typing" for a few seconds.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// AnswerCallbackQuery acknowledges a button press, optionally with a toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	payload := map[string]any{"callback_query_id": id}
	if text != "" {
		payload["text"] = util.TruncateRunes(text, 200)
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// SetMyCommands publishes the command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

// GetFile resolves a file id to a download path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var f File
	err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f)
	return f, err
}

// Download fetches fileID's contents, refusing files over limit bytes.
func (c *Client) Download(ctx context.Context, fileID string, limit int64) ([]byte, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile: no path for %s", fileID)
	}
	if limit <= 0 || limit > MaxDownloadBytes {
		limit = MaxDownloadBytes
	}
	if f.FileSize > limit {
		return nil, fmt.Errorf("telegram download: file is %d bytes, limit %d", f.FileSize, limit)
	}

	url := c.apiBase + "/file/bot" + c.token + "/" + f.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = c.tr.Do(ctx, req, func(resp *http.Response) error {
		var rerr error
		data, rerr = io.ReadAll(io.LimitReader(resp.Body, limit+1))
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("telegram download failed: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("telegram download: file exceeds %d bytes", limit)
	}
	return data, nil
}

// DownloadTo saves fileID under dir and returns the path. The caller owns
// the file.
func (c *Client) DownloadTo(ctx context.Context, fileID, dir, ext string) (string, error) {
	data, err := c.Download(ctx, fileID, 0)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "tg-"+strconv.FormatInt(time.Now().UnixNano(), 36)+"-*"+ext)
	if err != nil {
		return "", err
	}
	path := filepath.Clean(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
