// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/transport"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultCompletionPath is appended to the base URL for chat completions.
	DefaultCompletionPath = "/chat/completions"

	// MaxResponseSize caps non-streamed response bodies (10MB).
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024

	// ImageModel is the model used for image generation.
	ImageModel = "dall-e-3"

	// SummaryModel is the model used for summaries.
	SummaryModel = "gpt-3.5-turbo"

	// DefaultUserAgent is sent when no override is configured.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
)

// Error variables for common upstream failures. APIError unwraps to one of
// these so callers can use errors.Is.
var (
	// ErrAuthFailed indicates authentication failed (invalid or expired key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrForbidden indicates the credential was rejected, usually exhausted quota.
	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstream indicates a 5xx failure on the provider side.
	ErrUpstream = errors.New("upstream failure")

	// ErrNoChoices indicates a completion response without any choice.
	ErrNoChoices = errors.New("response contained no choices")
)

// =============================================================================
// ERRORS
// =============================================================================

// APIError is an error reported by an upstream provider, either as a non-2xx
// response or in-band inside a stream.
type APIError struct {
	Status  int
	Code    string
	Type    string
	Message string

	kind  error
	cause error
}

// NewAPIError builds an APIError classified by status.
func NewAPIError(status int, message string) *APIError {
	return &APIError{Status: status, Message: message, kind: kindForStatus(status)}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("upstream error")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap exposes both the sentinel kind and the transport error.
func (e *APIError) Unwrap() []error {
	var errs []error
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// apiErrorBody is the OpenAI error object.
type apiErrorBody struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

func (b *apiErrorBody) toAPIError(status int) *APIError {
	code := strings.Trim(string(b.Code), `"`)
	if code == "null" {
		code = ""
	}
	return &APIError{
		Status:  status,
		Code:    code,
		Type:    b.Type,
		Message: b.Message,
		kind:    kindForStatus(status),
	}
}

// apiErrorResponse covers the error envelopes seen in the wild.
type apiErrorResponse struct {
	Error   *apiErrorBody `json:"error"`
	Detail  string        `json:"detail"`
	Message string        `json:"message"`
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthFailed
	case status == http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrModelNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrUpstream
	}
	return nil
}

// classify converts transport failures into APIErrors with the best message
// that can be extracted from the body. Other errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *transport.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}

	apiErr := &APIError{
		Status: httpErr.StatusCode,
		kind:   kindForStatus(httpErr.StatusCode),
		cause:  httpErr,
	}
	var envelope apiErrorResponse
	if jsonErr := json.Unmarshal(httpErr.Body, &envelope); jsonErr == nil {
		switch {
		case envelope.Error != nil && envelope.Error.Message != "":
			parsed := envelope.Error.toAPIError(httpErr.StatusCode)
			apiErr.Code, apiErr.Type, apiErr.Message = parsed.Code, parsed.Type, parsed.Message
		case envelope.Detail != "":
			apiErr.Message = envelope.Detail
		case envelope.Message != "":
			apiErr.Message = envelope.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(httpErr.Body))
		if apiErr.Message == "" {
			apiErr.Message = httpErr.Status
		}
	}

	var exhausted *transport.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("failed to fetch %s after %d attempts: %w", exhausted.URL, exhausted.Attempts, apiErr)
	}
	return apiErr
}

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// Auth is the credential pair a request is signed with.
type Auth struct {
	APIKey  string
	BaseURL string

	// Raw sends the key as the whole Authorization value, without "Bearer ".
	Raw bool
}

// Header returns the Authorization header value.
func (a Auth) Header() string {
	if a.Raw {
		return a.APIKey
	}
	return "Bearer " + a.APIKey
}

// ChatRequest is the chat completions request body.
type ChatRequest struct {
	Model            string       `json:"model"`
	Messages         []model.Turn `json:"messages"`
	Stream           bool         `json:"stream"`
	Temperature      float64      `json:"temperature,omitempty"`
	TopP             float64      `json:"top_p,omitempty"`
	PresencePenalty  float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64      `json:"frequency_penalty,omitempty"`
	MaxTokens        int          `json:"max_tokens,omitempty"`
}

// NewChatRequest builds a request carrying the mask's generation options.
func NewChatRequest(modelName string, messages []model.Turn, opts model.GenerationOptions, stream bool) ChatRequest {
	return ChatRequest{
		Model:            modelName,
		Messages:         messages,
		Stream:           stream,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		PresencePenalty:  opts.PresencePenalty,
		FrequencyPenalty: opts.FrequencyPenalty,
		MaxTokens:        opts.MaxTokens,
	}
}

// ChatResponse is a non-streamed completion.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiErrorBody `json:"error,omitempty"`
}

// GetContent returns the content of the first choice, or empty string if none.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// ImageRequest is the image generation request body.
type ImageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client speaks the OpenAI-compatible HTTP API through a retrying transport.
type Client struct {
	tr               *transport.Transport
	auth             func() Auth
	completionPath   string
	userAgent        string
	emptyStreamRetry bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCompletionPath overrides the chat completions path.
func WithCompletionPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.completionPath = "/" + strings.TrimPrefix(path, "/")
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithEmptyStreamRetry makes a stream that carried no content fail with
// transport.ErrEmptyStream so the transport can retry it.
func WithEmptyStreamRetry(enabled bool) ClientOption {
	return func(c *Client) {
		c.emptyStreamRetry = enabled
	}
}

// NewClient creates a client. auth is consulted for every logical call so a
// refreshed credential is picked up without rebuilding the client.
func NewClient(tr *transport.Transport, auth func() Auth, opts ...ClientOption) *Client {
	c := &Client{
		tr:             tr,
		auth:           auth,
		completionPath: DefaultCompletionPath,
		userAgent:      DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transport returns the retrying transport shared by this client.
func (c *Client) Transport() *transport.Transport {
	return c.tr
}

// newRequest builds a signed request against the current base URL.
func (c *Client) newRequest(ctx context.Context, method, base, path string, body io.Reader, contentType string) (*http.Request, error) {
	auth := c.auth()
	if base == "" {
		base = auth.BaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", auth.Header())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.newRequest(ctx, http.MethodPost, "", path, bytes.NewReader(body), "application/json")
}

// PatchRequest re-signs an in-flight request with a refreshed credential.
// When the base URL changed, the request URL is rebased as well.
func PatchRequest(req *http.Request, from, to Auth) {
	req.Header.Set("Authorization", to.Header())
	oldBase := strings.TrimSuffix(from.BaseURL, "/")
	newBase := strings.TrimSuffix(to.BaseURL, "/")
	if oldBase == "" || newBase == "" || oldBase == newBase {
		return
	}
	current := req.URL.String()
	if !strings.HasPrefix(current, oldBase) {
		return
	}
	rebased, err := req.URL.Parse(newBase + strings.TrimPrefix(current, oldBase))
	if err != nil {
		return
	}
	req.URL = rebased
	req.Host = rebased.Host
}

// Chat performs a non-streamed completion and returns the answer text.
// Some proxies answer with an event stream even when stream is false; that
// body is decoded leniently.
func (c *Client) Chat(ctx context.Context, chatReq ChatRequest) (string, error) {
	chatReq.Stream = false
	req, err := c.newJSONRequest(ctx, c.completionPath, chatReq)
	if err != nil {
		return "", err
	}

	var answer string
	err = c.tr.Do(ctx, req, func(resp *http.Response) error {
		if isEventStream(resp) {
			text, derr := Decode(ctx, resp.Body, nil)
			answer = text
			return derr
		}
		body, rerr := readResponse(resp)
		if rerr != nil {
			return rerr
		}
		var parsed ChatResponse
		if jerr := json.Unmarshal(body, &parsed); jerr != nil {
			return fmt.Errorf("failed to parse response: %w", jerr)
		}
		if parsed.Error != nil && parsed.Error.Message != "" {
			return parsed.Error.toAPIError(resp.StatusCode)
		}
		if len(parsed.Choices) == 0 {
			return ErrNoChoices
		}
		answer = parsed.GetContent()
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	return answer, nil
}

// ChatStream performs a streamed completion. fn receives every NotFinished
// snapshot as it arrives and one Finished snapshot after the transport call
// succeeded, so a retried attempt never produces two final answers.
func (c *Client) ChatStream(ctx context.Context, chatReq ChatRequest, fn func(Snapshot) error) (string, error) {
	chatReq.Stream = true
	req, err := c.newJSONRequest(ctx, c.completionPath, chatReq)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	var answer string
	err = c.tr.Do(ctx, req, func(resp *http.Response) error {
		text, derr := Decode(ctx, resp.Body, func(s Snapshot) error {
			if s.Status == Finished || fn == nil {
				return nil
			}
			return fn(s)
		})
		if derr != nil {
			return derr
		}
		if text == "" && c.emptyStreamRetry {
			return transport.ErrEmptyStream
		}
		answer = text
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	if fn != nil {
		if err := fn(Snapshot{Status: Finished, Answer: answer}); err != nil {
			return answer, err
		}
	}
	return answer, nil
}

// GenerateImage creates one image and returns its URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	req, err := c.newJSONRequest(ctx, "/images/generations", ImageRequest{
		Model:   ImageModel,
		Prompt:  prompt,
		N:       1,
		Size:    "1024x1024",
		Quality: "hd",
		Style:   "natural",
	})
	if err != nil {
		return "", err
	}

	var url string
	err = c.tr.Do(ctx, req, func(resp *http.Response) error {
		body, rerr := readResponse(resp)
		if rerr != nil {
			return rerr
		}
		var parsed imageResponse
		if jerr := json.Unmarshal(body, &parsed); jerr != nil {
			return fmt.Errorf("failed to parse image response: %w", jerr)
		}
		if len(parsed.Data) == 0 || parsed.Data[0].URL == "" {
			return errors.New("image response contained no url")
		}
		url = parsed.Data[0].URL
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	return url, nil
}

// Transcribe uploads an audio file and returns its plain-text transcript.
func (c *Client) Transcribe(ctx context.Context, path, language string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read audio: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}
	fields := map[string]string{
		"model":           model.TranscriptionModel,
		"response_format": "text",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("failed to build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "", "/audio/transcriptions", bytes.NewReader(body.Bytes()), mw.FormDataContentType())
	if err != nil {
		return "", err
	}

	var transcript string
	err = c.tr.Do(ctx, req, func(resp *http.Response) error {
		raw, rerr := readResponse(resp)
		if rerr != nil {
			return rerr
		}
		transcript = strings.TrimSpace(string(raw))
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	return transcript, nil
}

// =============================================================================
// BILLING
// =============================================================================

// BillingBase strips a trailing API version segment from a base URL; the
// dashboard endpoints live beside it, not under it.
func BillingBase(baseURL string) string {
	base := strings.TrimSuffix(baseURL, "/")
	if i := strings.LastIndex(base, "/"); i > len("https://") {
		last := base[i+1:]
		if len(last) >= 2 && last[0] == 'v' && strings.Trim(last[1:], "0123456789") == "" {
			return base[:i]
		}
	}
	return base
}

// Subscription returns the hard spending limit in USD.
func (c *Client) Subscription(ctx context.Context) (float64, error) {
	var sub struct {
		SoftLimitUSD float64 `json:"soft_limit_usd"`
		HardLimitUSD float64 `json:"hard_limit_usd"`
	}
	if err := c.GetJSON(ctx, BillingBase(c.auth().BaseURL), "/dashboard/billing/subscription", &sub); err != nil {
		return 0, err
	}
	return sub.SoftLimitUSD, nil
}

// Usage returns the amount spent in USD. The endpoint reports cents.
func (c *Client) Usage(ctx context.Context) (float64, error) {
	var usage struct {
		TotalUsage float64 `json:"total_usage"`
	}
	if err := c.GetJSON(ctx, BillingBase(c.auth().BaseURL), "/dashboard/billing/usage", &usage); err != nil {
		return 0, err
	}
	return usage.TotalUsage / 100, nil
}

// GetJSON fetches base+path and decodes the JSON body into v. An empty base
// means the credential's base URL.
func (c *Client) GetJSON(ctx context.Context, base, path string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, base, path, nil, "")
	if err != nil {
		return err
	}
	err = c.tr.Do(ctx, req, func(resp *http.Response) error {
		body, rerr := readResponse(resp)
		if rerr != nil {
			return rerr
		}
		if jerr := json.Unmarshal(body, v); jerr != nil {
			return fmt.Errorf("failed to parse response: %w", jerr)
		}
		return nil
	})
	return classify(err)
}

// =============================================================================
// HELPERS
// =============================================================================

// readResponse reads the response body with size limits to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

func isEventStream(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/event-stream"
}
