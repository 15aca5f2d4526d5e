// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// UNICODE: every helper here cuts on rune boundaries. Chat platforms reject
// messages carrying broken UTF-8.

// TruncateRunes shortens s to maxRunes runes, ending in "..." when cut.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// TruncateBytes returns the longest prefix of s that fits in maxBytes
// without splitting a rune.
func TruncateBytes(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// SplitMessage cuts s into chunks of at most maxBytes, preferring to break
// after a newline, then after a space, and only then mid-word. Chunks
// concatenate back to s.
func SplitMessage(s string, maxBytes int) []string {
	if s == "" {
		return nil
	}
	if maxBytes <= 0 || len(s) <= maxBytes {
		return []string{s}
	}

	var chunks []string
	for len(s) > maxBytes {
		head := TruncateBytes(s, maxBytes)
		if head == "" {
			// maxBytes is smaller than the next rune; emit it whole.
			_, size := utf8.DecodeRuneInString(s)
			head = s[:size]
		} else if i := strings.LastIndexByte(head, '\n'); i > 0 {
			head = head[:i+1]
		} else if i := strings.LastIndexByte(head, ' '); i > 0 {
			head = head[:i+1]
		}
		chunks = append(chunks, head)
		s = s[len(head):]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// CollapseSpace replaces every run of whitespace with a single space and
// trims both ends.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FormatDuration renders d as "45s", "3m" or "3m 12s"; hours become "2h 5m".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return strconv.Itoa(int(d.Seconds())) + "s"
	}
	if d >= time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m == 0 {
			return strconv.Itoa(h) + "h"
		}
		return strconv.Itoa(h) + "h " + strconv.Itoa(m) + "m"
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return strconv.Itoa(mins) + "m"
	}
	return strconv.Itoa(mins) + "m " + strconv.Itoa(secs) + "s"
}
