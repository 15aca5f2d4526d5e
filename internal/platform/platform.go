// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jeranaias/relaybot/internal/cloud"
	"github.com/jeranaias/relaybot/internal/history"
	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/transport"
)

// Platform errors.
var (
	// ErrTranscriptionUnsupported indicates audio sent to a platform without whisper-1.
	ErrTranscriptionUnsupported = errors.New("platform does not support transcription")

	// ErrEmptyContent indicates nothing usable was sent.
	ErrEmptyContent = errors.New("empty content")
)

// SummaryPrompt asks for a compact summary that keeps the purpose of any code.
const SummaryPrompt = "Summarize the following content. If it contains code, describe the purpose and behavior of each snippet, including any notable algorithms or techniques. Do not mention that this is a summary."

// summaryTimeout bounds Summarize calls.
const summaryTimeout = 30 * time.Second

// SessionContext is the per-request view of the session: the active mask
// and model.
type SessionContext struct {
	Mask  *model.Mask
	Model string
}

// WantsImage reports whether requests under sc generate an image.
func (sc SessionContext) WantsImage() bool {
	return sc.Model == cloud.ImageModel || (sc.Mask != nil && sc.Mask.ImageGenerator)
}

// Platform is one upstream completion provider bound to one session.
type Platform interface {
	Key() string
	Descriptor() *model.Descriptor
	History() *history.Buffer
	Credential() model.Credential

	// Request answers content in one piece: the full reply, or an image URL
	// for image-generating masks.
	Request(ctx context.Context, content model.Content, sc SessionContext) (string, error)

	// StreamRequest answers content incrementally. fn sees cumulative
	// snapshots and exactly one Finished snapshot on success.
	StreamRequest(ctx context.Context, content model.Content, sc SessionContext, fn func(cloud.Snapshot) error) (string, error)

	PrepareMessages(ctx context.Context, content model.Content) ([]model.Turn, error)
	QueryBalance(ctx context.Context) (string, error)

	// Completion sends history plus turns and records the exchange in the
	// history exactly once on success.
	Completion(ctx context.Context, stream bool, sc SessionContext, fn func(cloud.Snapshot) error, turns ...model.Turn) (string, error)

	// Summarize condenses content with prompt, falling back to content itself.
	Summarize(ctx context.Context, content, prompt string) string

	Reauthenticate(ctx context.Context) (model.Credential, error)
}

// BalanceFunc computes the human-readable balance for a platform.
type BalanceFunc func(ctx context.Context, b *Base) (string, error)

// ImageFunc generates an image for prompt and returns its URL.
type ImageFunc func(ctx context.Context, b *Base, prompt string) (string, error)

// =============================================================================
// BASE PLATFORM
// =============================================================================

// Base implements Platform for OpenAI-compatible upstreams. Built-in
// platforms are Base instances configured by options.
type Base struct {
	desc     *model.Descriptor
	history  *history.Buffer
	creds    CredentialSource
	client   *cloud.Client
	language string

	balance BalanceFunc
	image   ImageFunc

	mu   sync.RWMutex
	cred model.Credential
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithBalance overrides the balance query.
func WithBalance(fn BalanceFunc) BaseOption {
	return func(b *Base) {
		b.balance = fn
	}
}

// WithImage overrides image generation.
func WithImage(fn ImageFunc) BaseOption {
	return func(b *Base) {
		b.image = fn
	}
}

// NewBase builds a Base from a factory environment.
func NewBase(env Env, opts ...BaseOption) *Base {
	b := &Base{
		desc:     env.Descriptor,
		history:  history.New(env.Descriptor.MaxHistoryTurns),
		creds:    env.Credentials,
		language: env.Language,
		cred:     env.Credential,
		balance:  DefaultBalance,
		image:    DefaultImage,
	}
	for _, opt := range opts {
		opt(b)
	}

	hooks := transport.Hooks{}
	if b.desc.Ephemeral {
		hooks.Unauthorized = b.refresh
		hooks.EmptyStream = b.refresh
	}
	if b.desc.RefreshOnServerError {
		hooks.ServerError = b.refresh
	}
	topts := append([]transport.Option{
		transport.WithName(b.desc.Key),
		transport.WithConditions(transport.DefaultConditions(hooks)...),
	}, env.Transport...)
	if env.Limiter != nil {
		topts = append(topts, transport.WithLimiter(env.Limiter))
	}
	tr := transport.New(env.HTTPClient, topts...)

	b.client = cloud.NewClient(tr, b.Auth,
		cloud.WithCompletionPath(b.desc.CompletionPath),
		cloud.WithEmptyStreamRetry(b.desc.Ephemeral),
	)
	return b
}

// Key returns the platform key.
func (b *Base) Key() string { return b.desc.Key }

// Descriptor returns the static configuration.
func (b *Base) Descriptor() *model.Descriptor { return b.desc }

// History returns the instance's conversation buffer.
func (b *Base) History() *history.Buffer { return b.history }

// Client returns the wire client.
func (b *Base) Client() *cloud.Client { return b.client }

// Credential returns the credential in use.
func (b *Base) Credential() model.Credential {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cred
}

// Auth returns the signing parameters for the current credential.
func (b *Base) Auth() cloud.Auth {
	cred := b.Credential()
	return cloud.Auth{APIKey: cred.APIKey, BaseURL: cred.BaseURL, Raw: b.desc.RawAuthorization}
}

// Reauthenticate discards the cached credential and derives a new one.
func (b *Base) Reauthenticate(ctx context.Context) (model.Credential, error) {
	if b.creds == nil {
		return model.Credential{}, ErrNoCredential
	}
	b.creds.Invalidate(b.desc.Key)
	cred, err := b.creds.Credential(ctx, b.desc.Key)
	if err != nil {
		return model.Credential{}, err
	}
	b.mu.Lock()
	b.cred = cred
	b.mu.Unlock()
	log.Printf("platform %s: reauthenticated with %s", b.desc.Key, cred.Fingerprint())
	return cred, nil
}

// refresh is the transport recovery hook for expired credentials.
func (b *Base) refresh(ctx context.Context, cause error, req *http.Request) error {
	from := b.Auth()
	if _, err := b.Reauthenticate(ctx); err != nil {
		return fmt.Errorf("credential refresh after %v failed: %w", cause, err)
	}
	cloud.PatchRequest(req, from, b.Auth())
	return nil
}

// =============================================================================
// REQUESTS
// =============================================================================

// Request implements Platform.
func (b *Base) Request(ctx context.Context, content model.Content, sc SessionContext) (string, error) {
	turns, err := b.PrepareMessages(ctx, content)
	if err != nil {
		return "", err
	}
	if sc.WantsImage() {
		return b.generate(ctx, turns)
	}
	return b.Completion(ctx, false, sc, nil, turns...)
}

// StreamRequest implements Platform. Image generation yields a single
// Finished snapshot carrying the URL.
func (b *Base) StreamRequest(ctx context.Context, content model.Content, sc SessionContext, fn func(cloud.Snapshot) error) (string, error) {
	turns, err := b.PrepareMessages(ctx, content)
	if err != nil {
		return "", err
	}
	if sc.WantsImage() {
		url, err := b.generate(ctx, turns)
		if err != nil {
			return "", err
		}
		if fn != nil {
			if err := fn(cloud.Snapshot{Status: cloud.Finished, Answer: url}); err != nil {
				return url, err
			}
		}
		return url, nil
	}
	return b.Completion(ctx, true, sc, fn, turns...)
}

// generate produces an image and records the URL as the answer.
func (b *Base) generate(ctx context.Context, turns []model.Turn) (string, error) {
	if len(turns) == 0 {
		return "", ErrEmptyContent
	}
	url, err := b.image(ctx, b, turns[0].PlainText())
	if err != nil {
		return "", err
	}
	b.history.Append(exchange(turns, url)...)
	return url, nil
}

// PrepareMessages implements Platform.
func (b *Base) PrepareMessages(ctx context.Context, content model.Content) ([]model.Turn, error) {
	switch content.Kind() {
	case model.KindAudio:
		path := content.AudioPath()
		defer os.Remove(path)
		if !b.desc.CanTranscribe() {
			return nil, ErrTranscriptionUnsupported
		}
		text, err := b.client.Transcribe(ctx, path, b.language)
		if err != nil {
			return nil, fmt.Errorf("transcription failed: %w", err)
		}
		return []model.Turn{model.UserText(text)}, nil

	case model.KindTextList:
		texts := content.Texts()
		if len(texts) == 0 {
			return nil, ErrEmptyContent
		}
		turns := make([]model.Turn, len(texts))
		for i, t := range texts {
			turns[i] = model.UserText(t)
		}
		return turns, nil

	case model.KindMultimodal:
		if len(content.Parts()) == 0 {
			return nil, ErrEmptyContent
		}
		return []model.Turn{model.UserTurn(content)}, nil

	default:
		return []model.Turn{model.UserText(content.Text())}, nil
	}
}

// Completion implements Platform.
func (b *Base) Completion(ctx context.Context, stream bool, sc SessionContext, fn func(cloud.Snapshot) error, turns ...model.Turn) (string, error) {
	var opts model.GenerationOptions
	if sc.Mask != nil {
		opts = sc.Mask.Options
	}
	messages := b.history.Combine(turns, sc.Mask.Leading())
	req := cloud.NewChatRequest(sc.Model, messages, opts, stream)

	var (
		answer string
		err    error
	)
	if stream {
		answer, err = b.client.ChatStream(ctx, req, fn)
	} else {
		answer, err = b.client.Chat(ctx, req)
	}
	if err != nil {
		return "", err
	}
	b.history.Append(exchange(turns, answer)...)
	return answer, nil
}

// Summarize implements Platform.
func (b *Base) Summarize(ctx context.Context, content, prompt string) string {
	if prompt == "" {
		prompt = SummaryPrompt
	}
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	req := cloud.NewChatRequest(cloud.SummaryModel,
		[]model.Turn{model.SystemTurn(prompt), model.UserText(content)},
		model.GenerationOptions{}, false)
	summary, err := b.client.Chat(ctx, req)
	if err != nil || summary == "" {
		log.Printf("platform %s: summary failed, keeping original: %v", b.desc.Key, err)
		return content
	}
	return summary
}

// QueryBalance implements Platform.
func (b *Base) QueryBalance(ctx context.Context) (string, error) {
	return b.balance(ctx, b)
}

// exchange is the new turns followed by the answer, in a fresh slice.
func exchange(turns []model.Turn, answer string) []model.Turn {
	out := make([]model.Turn, 0, len(turns)+1)
	out = append(out, turns...)
	return append(out, model.AssistantTurn(answer))
}
