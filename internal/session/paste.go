// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/jeranaias/relaybot/internal/transport"
)

// ErrInvalidPaste indicates a paste link that resolves to nothing.
var ErrInvalidPaste = errors.New("paste link is invalid or empty")

// maxPasteSize bounds fetched pastes.
const maxPasteSize = 1 << 20

// PasteBin offloads long text to a paste host and reads pasted questions
// back.
type PasteBin interface {
	// Host is the base URL shown to users.
	Host() string

	// Upload stores text and returns its public URL.
	Upload(ctx context.Context, text string) (string, error)

	// Match finds a paste link in text and returns its document id.
	Match(text string) (string, bool)

	// Fetch returns the raw contents of document id.
	Fetch(ctx context.Context, id string) (string, error)
}

// HasteClient talks to a hastebin-compatible server.
type HasteClient struct {
	host    string
	tr      *transport.Transport
	pattern *regexp.Regexp
}

// NewHasteClient creates a client for host, e.g. "https://paste.example".
func NewHasteClient(host string, tr *transport.Transport) *HasteClient {
	host = strings.TrimSuffix(host, "/")
	return &HasteClient{
		host:    host,
		tr:      tr,
		pattern: regexp.MustCompile(regexp.QuoteMeta(host) + `/(?:raw/)?([a-zA-Z]{10})(?:\.[a-zA-Z]+)?`),
	}
}

// Host implements PasteBin.
func (c *HasteClient) Host() string { return c.host }

// Upload implements PasteBin. The returned link points at the raw
// markdown view.
func (c *HasteClient) Upload(ctx context.Context, text string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/documents", bytes.NewReader([]byte(text)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	var doc struct {
		Key string `json:"key"`
	}
	err = c.tr.Do(ctx, req, func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(&doc)
	})
	if err != nil {
		return "", fmt.Errorf("paste upload failed: %w", err)
	}
	if doc.Key == "" {
		return "", fmt.Errorf("paste upload failed: empty document key")
	}
	return c.host + "/raw/" + doc.Key + ".md", nil
}

// Match implements PasteBin.
func (c *HasteClient) Match(text string) (string, bool) {
	m := c.pattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Fetch implements PasteBin.
func (c *HasteClient) Fetch(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/raw/"+id, nil)
	if err != nil {
		return "", err
	}
	var body []byte
	err = c.tr.Do(ctx, req, func(resp *http.Response) error {
		var rerr error
		body, rerr = io.ReadAll(io.LimitReader(resp.Body, maxPasteSize))
		return rerr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPaste, err)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", ErrInvalidPaste
	}
	return text, nil
}
