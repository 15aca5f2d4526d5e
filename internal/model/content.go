// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// CONTENT PARTS
// =============================================================================

// PartKind discriminates multimodal parts.
type PartKind int

const (
	PartText PartKind = iota
	PartImageURL
)

// ContentPart is one item of a multimodal turn.
type ContentPart struct {
	Kind PartKind
	Text string
	URL  string
}

// TextPart creates a text part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: PartText, Text: text}
}

// ImageURLPart creates an image part. The URL may be a data: URL.
func ImageURLPart(url string) ContentPart {
	return ContentPart{Kind: PartImageURL, URL: url}
}

// =============================================================================
// CONTENT UNION
// =============================================================================

// ContentKind discriminates inbound content.
type ContentKind int

const (
	KindText ContentKind = iota
	KindMultimodal
	KindAudio
	KindTextList
)

// String returns a short name for logs.
func (k ContentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindMultimodal:
		return "multimodal"
	case KindAudio:
		return "audio"
	case KindTextList:
		return "text-list"
	default:
		return "unknown"
	}
}

// Content is inbound user content. Exactly one variant is populated,
// selected by Kind. Use the constructors; the zero value is empty text.
type Content struct {
	kind  ContentKind
	text  string
	parts []ContentPart
	path  string
	texts []string
}

// Text creates plain-text content.
func Text(s string) Content {
	return Content{kind: KindText, text: s}
}

// Multimodal creates structured content from parts.
func Multimodal(parts ...ContentPart) Content {
	cp := make([]ContentPart, len(parts))
	copy(cp, parts)
	return Content{kind: KindMultimodal, parts: cp}
}

// AudioRef creates a reference to a local audio file awaiting transcription.
func AudioRef(path string) Content {
	return Content{kind: KindAudio, path: path}
}

// TextList creates content that expands to one user turn per string.
func TextList(texts ...string) Content {
	cp := make([]string, len(texts))
	copy(cp, texts)
	return Content{kind: KindTextList, texts: cp}
}

// Kind returns the populated variant.
func (c Content) Kind() ContentKind { return c.kind }

// Text returns the text of a KindText value.
func (c Content) Text() string { return c.text }

// AudioPath returns the file path of a KindAudio value.
func (c Content) AudioPath() string { return c.path }

// Parts returns a copy of the parts of a KindMultimodal value.
func (c Content) Parts() []ContentPart {
	if c.parts == nil {
		return nil
	}
	cp := make([]ContentPart, len(c.parts))
	copy(cp, c.parts)
	return cp
}

// Texts returns a copy of the strings of a KindTextList value.
func (c Content) Texts() []string {
	if c.texts == nil {
		return nil
	}
	cp := make([]string, len(c.texts))
	copy(cp, c.texts)
	return cp
}

// Prompt returns the best textual rendering of the content, used for
// image prompts and summaries.
func (c Content) Prompt() string {
	switch c.kind {
	case KindText:
		return c.text
	case KindMultimodal:
		return UserTurn(c).PlainText()
	case KindTextList:
		if len(c.texts) > 0 {
			return c.texts[0]
		}
	}
	return ""
}
