// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jeranaias/relaybot/internal/cloud"
	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/platform"
	"github.com/jeranaias/relaybot/internal/quota"
	"github.com/jeranaias/relaybot/internal/transport"
	"github.com/jeranaias/relaybot/internal/util"
)

// Input validation errors. They reach the user verbatim.
var (
	ErrQuestionTooLong    = errors.New("your question is too long")
	ErrEmptyMessage       = errors.New("message has no usable content")
	ErrVisionUnsupported  = errors.New("the current model cannot read images or video")
	ErrAudioUnsupported   = errors.New("the current platform does not accept voice input")
	ErrUnknownMask        = errors.New("unknown mask")
	ErrMaskUnsupported    = errors.New("mask is not available on this platform")
	ErrModelUnsupported   = errors.New("model is not available for this mask on this platform")
	ErrPlatformRestricted = errors.New("platform is not available to visitors")
	ErrReplyUndeliverable = errors.New("reply could not be delivered")
)

// maxDetailRunes bounds raw upstream text shown to users.
const maxDetailRunes = 500

// saturatedMarkers identify an upstream that ran out of context or
// capacity; the conversation is cleared so the next message fits.
var saturatedMarkers = []string{"上游负载已饱和", "context_length_exceeded", "maximum context length"}

// Action is a side effect the session performs after reporting an error.
type Action int

const (
	ActionNone Action = iota
	ActionClearHistory
	ActionReauthenticate
)

// Failure is the user-facing rendering of a dispatch error.
type Failure struct {
	Text   string
	Action Action
}

// Describe maps err to the reply shown to the user. desc may be nil.
// pasteHost, when set, is suggested as the way to send long questions.
func Describe(err error, desc *model.Descriptor, pasteHost string) Failure {
	var tooLong *TooLongError
	switch {
	case errors.As(err, &tooLong):
		text := fmt.Sprintf("Your question is too long (%d bytes, limit %d).", tooLong.Size, tooLong.Limit)
		if pasteHost != "" {
			text += " Please share it through " + pasteHost + " and send the link."
		}
		return Failure{Text: text}

	case errors.Is(err, quota.ErrExceeded):
		return Failure{Text: "You have used today's visitor allowance. Please come back tomorrow."}

	case isValidation(err):
		return Failure{Text: capitalize(err.Error()) + "."}

	case errors.Is(err, context.DeadlineExceeded):
		return Failure{Text: "The request timed out. Please try again."}
	}

	detail := errorDetail(err)
	lower := strings.ToLower(err.Error())
	status := transport.StatusCode(err)

	switch {
	case (errors.Is(err, cloud.ErrAuthFailed) || errors.Is(err, cloud.ErrForbidden)) && desc != nil && desc.Ephemeral:
		return Failure{
			Text:   "The free credential expired and is being renewed. Please try again in a moment.\n\n" + detail,
			Action: ActionReauthenticate,
		}

	case containsAny(err.Error(), saturatedMarkers):
		return Failure{
			Text:   "Token limit reached, the conversation has been cleared. Please ask again.\n\n" + detail,
			Action: ActionClearHistory,
		}

	case errors.Is(err, cloud.ErrIncompleteStream) || strings.Contains(lower, "at byte offset"):
		return Failure{Text: "The answer stream ended without its terminator.\n\n" + detail}

	case strings.Contains(lower, "content_filter"):
		return Failure{Text: "The answer was blocked by the upstream content filter.\n\n" + detail}

	case status == http.StatusGatewayTimeout || strings.Contains(lower, "504 gateway time-out"):
		return Failure{Text: "The upstream gateway timed out.\n\n" + detail}

	case errors.Is(err, cloud.ErrInsufficientCredits):
		return Failure{Text: "The platform account is out of credit.\n\n" + detail}

	case errors.Is(err, cloud.ErrRateLimited):
		return Failure{Text: "The platform is rate limiting requests. Please slow down.\n\n" + detail}
	}
	return Failure{Text: detail}
}

// TooLongError reports input over the byte budget.
type TooLongError struct {
	Size  int
	Limit int
}

func (e *TooLongError) Error() string {
	return fmt.Sprintf("%v: %d bytes exceeds %d", ErrQuestionTooLong, e.Size, e.Limit)
}

func (e *TooLongError) Unwrap() error { return ErrQuestionTooLong }

func isValidation(err error) bool {
	for _, target := range []error{
		ErrEmptyMessage, ErrVisionUnsupported, ErrAudioUnsupported,
		ErrUnknownMask, ErrMaskUnsupported, ErrModelUnsupported, ErrPlatformRestricted,
		ErrInvalidPaste, ErrUnsupportedDocument,
		platform.ErrTranscriptionUnsupported, platform.ErrUnknownPlatform,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// errorDetail extracts the provider message, cut before the request id
// suffix some gateways append.
func errorDetail(err error) string {
	msg := err.Error()
	var apiErr *cloud.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	if i := strings.Index(msg, "(request"); i > 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	return util.TruncateRunes(msg, maxDetailRunes)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
