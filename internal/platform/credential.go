// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/jeranaias/relaybot/internal/model"
)

// =============================================================================
// CREDENTIAL PROVIDERS
// =============================================================================

// CredentialProvider derives a usable credential, typically for free tiers
// whose tokens are harvested from a web page and expire without notice.
type CredentialProvider interface {
	Derive(ctx context.Context) (model.Credential, error)
}

// ErrNoCredentialFound is returned by providers that found nothing usable.
var ErrNoCredentialFound = errors.New("no credential found")

// StaticProvider always returns the same credential.
type StaticProvider model.Credential

// Derive implements CredentialProvider.
func (p StaticProvider) Derive(context.Context) (model.Credential, error) {
	c := model.Credential(p)
	if !c.Valid() {
		return model.Credential{}, ErrNoCredentialFound
	}
	c.DerivedAt = time.Now()
	return c, nil
}

// FuncProvider adapts a function to CredentialProvider.
type FuncProvider func(ctx context.Context) (model.Credential, error)

// Derive implements CredentialProvider.
func (f FuncProvider) Derive(ctx context.Context) (model.Credential, error) {
	return f(ctx)
}

// PageProvider scrapes a key out of an HTML page. It scans inline script
// bodies, meta content and data-* attributes for the first match of Pattern;
// the first capture group (or the whole match) is the key. Page layouts
// change without notice, so this is best effort only.
type PageProvider struct {
	URL     string
	Pattern *regexp.Regexp
	BaseURL string
	Client  *http.Client

	// Header is sent with the page request, e.g. a browser User-Agent.
	Header http.Header
}

// maxPageSize bounds the scraped document.
const maxPageSize = 4 * 1024 * 1024

// Derive implements CredentialProvider.
func (p *PageProvider) Derive(ctx context.Context) (model.Credential, error) {
	if p.Pattern == nil {
		return model.Credential{}, errors.New("page provider: no pattern configured")
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return model.Credential{}, fmt.Errorf("page provider: %w", err)
	}
	for k, vs := range p.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return model.Credential{}, fmt.Errorf("page provider: fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Credential{}, fmt.Errorf("page provider: unexpected status %s", resp.Status)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return model.Credential{}, fmt.Errorf("page provider: parse failed: %w", err)
	}
	key := p.search(doc)
	if key == "" {
		return model.Credential{}, fmt.Errorf("page provider %s: %w", p.URL, ErrNoCredentialFound)
	}
	return model.Credential{APIKey: key, BaseURL: p.BaseURL, DerivedAt: time.Now()}, nil
}

func (p *PageProvider) search(n *html.Node) string {
	var candidates []string
	switch n.Type {
	case html.ElementNode:
		for _, a := range n.Attr {
			if a.Key == "content" || strings.HasPrefix(a.Key, "data-") {
				candidates = append(candidates, a.Val)
			}
		}
		if n.Data == "script" {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					candidates = append(candidates, c.Data)
				}
			}
		}
	}
	for _, text := range candidates {
		if key := p.match(text); key != "" {
			return key
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if key := p.search(c); key != "" {
			return key
		}
	}
	return ""
}

func (p *PageProvider) match(text string) string {
	m := p.Pattern.FindStringSubmatch(text)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	default:
		return m[0]
	}
}

// =============================================================================
// KEY POOL
// =============================================================================

// KeyPool rotates through static keys round-robin.
type KeyPool struct {
	keys []string
	next atomic.Uint64
}

// NewKeyPool copies keys, dropping blanks.
func NewKeyPool(keys []string) *KeyPool {
	p := &KeyPool{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p.keys = append(p.keys, k)
		}
	}
	return p
}

// Len returns the number of usable keys.
func (p *KeyPool) Len() int {
	return len(p.keys)
}

// Next returns the next key, or "" for an empty pool.
func (p *KeyPool) Next() string {
	if len(p.keys) == 0 {
		return ""
	}
	i := p.next.Add(1) - 1
	return p.keys[i%uint64(len(p.keys))]
}
