// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jeranaias/relaybot/internal/cloud"
	"github.com/jeranaias/relaybot/internal/model"
)

const (
	free4CompletionPath = "/api/chat/completions"
	free4ImagePath      = "/openai/chat/completions"
	free4ImageModel     = "gpt-3.5-turbo"
)

// imageMarkdown matches the markdown image free_4 answers image prompts with.
var imageMarkdown = regexp.MustCompile(`!\[Image\]\((.*?)\)`)

// NewFree4 builds free_4: raw Authorization header, a non-standard
// completion path, and images generated through a chat endpoint.
func NewFree4(env Env) (Platform, error) {
	env = withDefaults(env, func(d *model.Descriptor) {
		d.Ephemeral = true
		d.RefreshOnServerError = true
		d.RawAuthorization = true
		if d.CompletionPath == "" {
			d.CompletionPath = free4CompletionPath
		}
	})

	b := NewBase(env, WithBalance(FixedBalance))
	imageClient := cloud.NewClient(b.client.Transport(), b.Auth,
		cloud.WithCompletionPath(free4ImagePath),
		cloud.WithEmptyStreamRetry(true),
	)
	b.image = func(ctx context.Context, b *Base, prompt string) (string, error) {
		req := cloud.NewChatRequest(free4ImageModel, []model.Turn{model.UserText(prompt)}, model.GenerationOptions{}, true)
		answer, err := imageClient.ChatStream(ctx, req, nil)
		if err != nil {
			return "", err
		}
		return ExtractImageURL(answer)
	}
	return b, nil
}

// ExtractImageURL pulls the URL out of a markdown image answer.
func ExtractImageURL(answer string) (string, error) {
	m := imageMarkdown.FindStringSubmatch(answer)
	if m == nil || m[1] == "" {
		return "", fmt.Errorf("no image in answer: %s", answer)
	}
	return m[1], nil
}
