// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"strings"
	"unicode"
)

// =============================================================================
// INVOCATION
// =============================================================================

// Invocation is a message parsed as a bot command.
type Invocation struct {
	// Name is the lower-cased command with its slash, e.g. "/model".
	Name string

	// Mention is the bot addressed as "/model@relay_bot", without the @.
	Mention string

	Args []string

	// RawArgs is everything after the command, trimmed.
	RawArgs string

	// Command is nil for unknown names.
	Command *Command
}

// =============================================================================
// PARSER
// =============================================================================

// Parser resolves command messages against a registry.
type Parser struct {
	registry *Registry
	username string
}

// NewParser creates a parser for registry.
func NewParser(registry *Registry) *Parser {
	return &Parser{registry: registry}
}

// SetUsername sets the bot's own username. Commands mentioning any other
// bot are then ignored, as Telegram groups deliver them to every bot.
func (p *Parser) SetUsername(username string) {
	p.username = strings.TrimPrefix(username, "@")
}

// Parse reports whether input is a command for this bot and resolves it.
func (p *Parser) Parse(input string) (Invocation, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return Invocation{}, false
	}

	head, rest := input, ""
	if i := strings.IndexFunc(input, unicode.IsSpace); i >= 0 {
		head, rest = input[:i], input[i:]
	}

	var inv Invocation
	inv.Name, inv.Mention, _ = strings.Cut(head, "@")
	if inv.Mention != "" && p.username != "" && !strings.EqualFold(inv.Mention, p.username) {
		return Invocation{}, false
	}
	inv.Name = strings.ToLower(inv.Name)
	inv.RawArgs = strings.TrimSpace(rest)
	inv.Args = ParseArgs(inv.RawArgs)
	inv.Command = p.registry.Get(inv.Name)
	return inv, true
}

// =============================================================================
// ARGUMENT PARSING
// =============================================================================

// ParseArgs splits an argument string on whitespace. A quote at the start
// of a token keeps its run together, so apostrophes inside words survive.
// Mobile keyboards' curly quotes count as double quotes.
func ParseArgs(input string) []string {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		quoted  bool
	)
	flush := func() {
		if current.Len() > 0 || quoted {
			tokens = append(tokens, current.String())
		}
		current.Reset()
		quoted = false
	}

	for _, r := range input {
		switch {
		case quote != 0 && closes(quote, r):
			quote = 0
		case quote == 0 && current.Len() == 0 && opensQuote(r):
			quote, quoted = r, true
		case quote == 0 && unicode.IsSpace(r):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func opensQuote(r rune) bool {
	return r == '"' || r == '\'' || r == '“'
}

func closes(open, r rune) bool {
	if open == '“' {
		return r == '”' || r == '"'
	}
	return r == open
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// IsCommand reports whether input looks like a bot command.
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// ExtractCommandName returns the command word of input without any bot
// mention, e.g. "/model@relay_bot gpt-4o" -> "/model".
func ExtractCommandName(input string) string {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return ""
	}
	if end := strings.IndexFunc(input, unicode.IsSpace); end >= 0 {
		input = input[:end]
	}
	name, _, _ := strings.Cut(input, "@")
	return name
}

// MenuName reports whether name (without slash) is accepted by the Bot
// API command menu: 1-32 of a-z, 0-9 and underscore.
func MenuName(name string) bool {
	if name == "" || len(name) > 32 {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// ValidateArgs checks args against cmd's argument definitions.
func ValidateArgs(cmd *Command, args []string) error {
	if cmd == nil {
		return nil
	}
	for i, def := range cmd.Args {
		if i >= len(args) {
			if def.Required {
				return &ArgError{Command: cmd.Name, Arg: def.Name, Expected: def.Description}
			}
			continue
		}
		if len(def.Values) > 0 && !containsFold(def.Values, args[i]) {
			return &ArgError{Command: cmd.Name, Arg: def.Name, Got: args[i], Expected: strings.Join(def.Values, ", ")}
		}
	}
	return nil
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

// =============================================================================
// ARGUMENT ERROR
// =============================================================================

// ArgError is a missing or out-of-range command argument. Its message is
// shown to the user as is.
type ArgError struct {
	Command  string
	Arg      string
	Got      string
	Expected string
}

func (e *ArgError) Error() string {
	var b strings.Builder
	if e.Got == "" {
		fmt.Fprintf(&b, "%s needs <%s>", e.Command, e.Arg)
	} else {
		fmt.Fprintf(&b, "%s: %q is not a valid %s", e.Command, e.Got, e.Arg)
	}
	if e.Expected != "" {
		fmt.Fprintf(&b, " (%s)", e.Expected)
	}
	return b.String()
}
