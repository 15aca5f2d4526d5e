// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultStopWords are dropped from questions when they stand alone.
var DefaultStopWords = []string{"的", "是", "在", "和", "了", "有", "我", "也", "不", "就", "与", "他", "她", "它"}

// normalize folds compatibility characters (full-width letters, ligatures)
// so byte budgets measure what the upstream will see.
func normalize(s string) string {
	return norm.NFKC.String(s)
}

// compress collapses whitespace and drops standalone stop words.
func compress(s string, stop map[string]struct{}) string {
	words := strings.Fields(s)
	out := words[:0]
	for _, w := range words {
		if _, ok := stop[w]; ok {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

func stopSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
