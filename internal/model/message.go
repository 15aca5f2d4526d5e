// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the three conversation roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is one message in a conversation. A turn carries either plain text
// or a list of structured parts, never both.
type Turn struct {
	Role  Role
	Text  string
	Parts []ContentPart
}

// SystemTurn creates a system turn.
func SystemTurn(text string) Turn {
	return Turn{Role: RoleSystem, Text: text}
}

// AssistantTurn creates an assistant turn.
func AssistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Text: text}
}

// UserText creates a plain-text user turn.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Text: text}
}

// UserTurn creates a user turn from text or multimodal content.
// Audio references and text lists have no direct turn form and yield
// an empty text turn; platforms normalize those before building turns.
func UserTurn(c Content) Turn {
	switch c.Kind() {
	case KindMultimodal:
		return Turn{Role: RoleUser, Parts: c.Parts()}
	case KindText:
		return Turn{Role: RoleUser, Text: c.Text()}
	}
	return Turn{Role: RoleUser}
}

// IsMultimodal reports whether the turn carries structured parts.
func (t Turn) IsMultimodal() bool {
	return len(t.Parts) > 0
}

// PlainText returns the textual content of the turn. For multimodal turns
// the text parts are joined with newlines and image parts are skipped.
func (t Turn) PlainText() string {
	if !t.IsMultimodal() {
		return t.Text
	}
	var texts []string
	for _, p := range t.Parts {
		if p.Kind == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Clone returns a deep copy so callers cannot mutate stored turns.
func (t Turn) Clone() Turn {
	if t.Parts != nil {
		parts := make([]ContentPart, len(t.Parts))
		copy(parts, t.Parts)
		t.Parts = parts
	}
	return t
}

// =============================================================================
// WIRE ENCODING
// =============================================================================

// wireTurn is the OpenAI chat message shape.
type wireTurn struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

// ErrInvalidTurn indicates a turn could not be decoded.
var ErrInvalidTurn = errors.New("invalid turn")

// MarshalJSON encodes the turn as an OpenAI chat message.
func (t Turn) MarshalJSON() ([]byte, error) {
	var content []byte
	var err error
	if t.IsMultimodal() {
		parts := make([]wirePart, 0, len(t.Parts))
		for _, p := range t.Parts {
			switch p.Kind {
			case PartImageURL:
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.URL}})
			default:
				parts = append(parts, wirePart{Type: "text", Text: p.Text})
			}
		}
		content, err = json.Marshal(parts)
	} else {
		content, err = json.Marshal(t.Text)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireTurn{Role: t.Role, Content: content})
}

// UnmarshalJSON decodes an OpenAI chat message.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var w wireTurn
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTurn, err)
	}
	if !w.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, w.Role)
	}
	out := Turn{Role: w.Role}
	trimmed := strings.TrimSpace(string(w.Content))
	switch {
	case trimmed == "" || trimmed == "null":
	case strings.HasPrefix(trimmed, "["):
		var parts []wirePart
		if err := json.Unmarshal(w.Content, &parts); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTurn, err)
		}
		for _, p := range parts {
			if p.Type == "image_url" && p.ImageURL != nil {
				out.Parts = append(out.Parts, ImageURLPart(p.ImageURL.URL))
				continue
			}
			out.Parts = append(out.Parts, TextPart(p.Text))
		}
	default:
		if err := json.Unmarshal(w.Content, &out.Text); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTurn, err)
		}
	}
	*t = out
	return nil
}
