// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/transport"
)

func newTestClient(t *testing.T, baseURL string, topts []transport.Option, opts ...ClientOption) *Client {
	t.Helper()
	topts = append([]transport.Option{transport.WithInterval(time.Millisecond)}, topts...)
	tr := transport.New(http.DefaultClient, topts...)
	auth := Auth{APIKey: "sk-test", BaseURL: baseURL}
	return NewClient(tr, func() Auth { return auth }, opts...)
}

func sseHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestChat_SendsOptionsAndParses(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v1", nil)
	req := NewChatRequest("gpt-4o", []model.Turn{model.SystemTurn("be brief"), model.UserText("hi")},
		model.GenerationOptions{Temperature: 0.5, MaxTokens: 100}, true)

	answer, err := c.Chat(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "hi there", answer)
	require.False(t, got.Stream)
	require.Equal(t, 0.5, got.Temperature)
	require.Equal(t, 100, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "be brief", got.Messages[0].Text)
}

func TestChat_EventStreamBodyDecoded(t *testing.T) {
	srv := httptest.NewServer(sseHandler(helloStream))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	answer, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "Hello world", answer)
}

func TestChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Chat(context.Background(), ChatRequest{Model: "m"})
	require.ErrorIs(t, err, ErrNoChoices)
}

func TestChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    error
		message string
	}{
		{"openai envelope", http.StatusUnauthorized, `{"error":{"message":"bad key","code":"invalid_api_key"}}`, ErrAuthFailed, "bad key"},
		{"detail envelope", http.StatusNotFound, `{"detail":"no such model"}`, ErrModelNotFound, "no such model"},
		{"plain text", http.StatusPaymentRequired, `pay up`, ErrInsufficientCredits, "pay up"},
		{"rate limit", http.StatusTooManyRequests, `{"message":"slow down"}`, ErrRateLimited, "slow down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, nil).Chat(context.Background(), ChatRequest{Model: "m"})
			require.ErrorIs(t, err, tt.kind)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tt.message, apiErr.Message)
			require.Equal(t, tt.status, transport.StatusCode(err))
		})
	}
}

func TestChat_ExhaustedKeepsAttemptCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Chat(context.Background(), ChatRequest{Model: "m"})
	require.ErrorIs(t, err, ErrUpstream)
	require.Contains(t, err.Error(), "after 3 attempts")
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestChatStream_FinishedOnlyOnce(t *testing.T) {
	srv := httptest.NewServer(sseHandler(helloStream))
	defer srv.Close()

	var snaps []Snapshot
	answer, err := newTestClient(t, srv.URL, nil).ChatStream(context.Background(), ChatRequest{Model: "m"}, func(s Snapshot) error {
		snaps = append(snaps, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Hello world", answer)
	require.Len(t, snaps, 3)
	require.Equal(t, Finished, snaps[2].Status)
}

func TestChatStream_EmptyStreamRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if hits.Add(1) == 1 {
			io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		io.WriteString(w, helloStream)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, WithEmptyStreamRetry(true))
	answer, err := c.ChatStream(context.Background(), ChatRequest{Model: "m"}, nil)
	require.NoError(t, err)
	require.Equal(t, "Hello world", answer)
	require.EqualValues(t, 2, hits.Load())
}

func TestChatStream_EmptyStreamAcceptedWhenNotRetrying(t *testing.T) {
	srv := httptest.NewServer(sseHandler("data: [DONE]\n\n"))
	defer srv.Close()

	answer, err := newTestClient(t, srv.URL, nil).ChatStream(context.Background(), ChatRequest{Model: "m"}, nil)
	require.NoError(t, err)
	require.Empty(t, answer)
}

func TestChatStream_InBandErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(sseHandler(`data: {"error":{"message":"content_filter triggered"}}` + "\n\n"))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).ChatStream(context.Background(), ChatRequest{Model: "m"}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Contains(t, apiErr.Message, "content_filter")
}

// =============================================================================
// AUTH PATCH TESTS
// =============================================================================

func TestPatchRequest_RebasesAndResigns(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://old.example/v1/chat/completions", nil)
	from := Auth{APIKey: "a", BaseURL: "https://old.example/v1"}
	to := Auth{APIKey: "b", BaseURL: "https://new.example/api", Raw: true}

	PatchRequest(req, from, to)
	require.Equal(t, "b", req.Header.Get("Authorization"))
	require.Equal(t, "https://new.example/api/chat/completions", req.URL.String())
	require.Equal(t, "new.example", req.Host)
}

func TestChat_RecoverySwapsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	current := Auth{APIKey: "stale", BaseURL: srv.URL}
	hooks := transport.Hooks{
		Unauthorized: func(ctx context.Context, err error, req *http.Request) error {
			next := Auth{APIKey: "fresh", BaseURL: srv.URL}
			PatchRequest(req, current, next)
			current = next
			return nil
		},
	}
	tr := transport.New(http.DefaultClient,
		transport.WithInterval(time.Millisecond),
		transport.WithConditions(transport.DefaultConditions(hooks)...))
	c := NewClient(tr, func() Auth { return current })

	answer, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "ok", answer)
}

// =============================================================================
// IMAGE / AUDIO / BILLING TESTS
// =============================================================================

func TestGenerateImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/generations", r.URL.Path)
		var req ImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, ImageModel, req.Model)
		require.Equal(t, "a cat", req.Prompt)
		require.Equal(t, "1024x1024", req.Size)
		io.WriteString(w, `{"data":[{"url":"https://img.example/cat.png"}]}`)
	}))
	defer srv.Close()

	url, err := newTestClient(t, srv.URL, nil).GenerateImage(context.Background(), "a cat")
	require.NoError(t, err)
	require.Equal(t, "https://img.example/cat.png", url)
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, model.TranscriptionModel, r.FormValue("model"))
		require.Equal(t, "zh", r.FormValue("language"))
		require.Equal(t, "text", r.FormValue("response_format"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "voice.ogg", hdr.Filename)
		io.WriteString(w, "  transcribed text\n")
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "voice.ogg")
	require.NoError(t, os.WriteFile(path, []byte("OggS"), 0o600))

	text, err := newTestClient(t, srv.URL, nil).Transcribe(context.Background(), path, "zh")
	require.NoError(t, err)
	require.Equal(t, "transcribed text", text)
}

func TestBillingBase(t *testing.T) {
	require.Equal(t, "https://api.example.com", BillingBase("https://api.example.com/v1"))
	require.Equal(t, "https://api.example.com", BillingBase("https://api.example.com/v1/"))
	require.Equal(t, "https://api.example.com/openai", BillingBase("https://api.example.com/openai"))
	require.Equal(t, "https://v1.example.com", BillingBase("https://v1.example.com"))
}

func TestSubscriptionAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dashboard/billing/subscription":
			io.WriteString(w, `{"soft_limit_usd":20}`)
		case "/dashboard/billing/usage":
			io.WriteString(w, `{"total_usage":1234}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v1", nil)
	total, err := c.Subscription(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20.0, total)

	used, err := c.Usage(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 12.34, used, 1e-9)
}

func TestAPIError_Message(t *testing.T) {
	err := &APIError{Status: 403, Code: "quota", Message: "exhausted", kind: ErrForbidden}
	require.Equal(t, "upstream error (HTTP 403) [quota]: exhausted", err.Error())
	require.True(t, errors.Is(err, ErrForbidden))
	require.Equal(t, "upstream error", fmt.Sprint(&APIError{}))
}
