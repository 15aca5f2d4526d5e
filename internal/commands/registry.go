// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/jeranaias/relaybot/internal/session"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// HandlerFunc executes a command. Errors are rendered for the user by
// the registry.
type HandlerFunc func(c *Context, args []string) (Response, error)

// Command represents a slash command that can be executed.
type Command struct {
	// Name is the primary command name (e.g., "/help")
	Name string

	// Aliases are alternative names (e.g., "/h")
	Aliases []string

	// Description is shown in help and in the client's command menu
	Description string

	// Usage shows argument syntax (e.g., "/model [name]")
	Usage string

	// Args defines the expected arguments
	Args []ArgDef

	// Handler is the function that executes the command
	Handler HandlerFunc

	// Hidden commands don't appear in help
	Hidden bool

	// Category for grouping in help display
	Category string
}

// ArgDef defines an argument for a command.
type ArgDef struct {
	Name        string
	Required    bool
	Description string

	// Values restricts the argument to an enumeration.
	Values []string
}

// CallbackFunc handles a button press whose data starts with a registered
// prefix. payload is the data after the prefix.
type CallbackFunc func(c *Context, payload string) (Response, error)

// =============================================================================
// RESPONSE
// =============================================================================

// Button is one choice offered with a response. Exactly one of Data and
// URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Response is what a command shows the user.
type Response struct {
	Text    string
	Buttons [][]Button

	// Toast is a short notice for button presses.
	Toast string
}

// =============================================================================
// CONTEXT TYPE
// =============================================================================

// Info describes the bot to command handlers.
type Info struct {
	Name    string
	Version string

	// Username is the bot's @handle; commands aimed at other bots are
	// ignored once it is set.
	Username string

	// ShopURL is where users buy credit, shown by /shop.
	ShopURL string

	// PasteHost is shown in /help when long questions may be pasted.
	PasteHost string
}

// Context provides access to the user's state for command handlers.
type Context struct {
	Ctx     context.Context
	User    session.User
	Session *session.Session

	// Manager is optional; /reset needs it.
	Manager *session.Manager

	Info Info
}

// =============================================================================
// COMMAND REGISTRY
// =============================================================================

// Registry holds all registered commands and callback routes.
type Registry struct {
	info      Info
	commands  map[string]*Command
	aliases   map[string]*Command
	callbacks map[string]CallbackFunc
	parser    *Parser
}

// NewRegistry creates a new command registry with all built-in commands.
func NewRegistry(info Info) *Registry {
	r := &Registry{
		info:      info,
		commands:  make(map[string]*Command),
		aliases:   make(map[string]*Command),
		callbacks: make(map[string]CallbackFunc),
	}
	r.parser = NewParser(r)
	r.parser.SetUsername(info.Username)
	r.registerBuiltins()
	return r
}

// Info returns the bot description handed to handlers.
func (r *Registry) Info() Info { return r.info }

// Register adds a command to the registry.
func (r *Registry) Register(cmd *Command) {
	r.commands[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		r.aliases[alias] = cmd
	}
}

// RegisterCallback routes button data starting with prefix to fn.
func (r *Registry) RegisterCallback(prefix string, fn CallbackFunc) {
	r.callbacks[prefix] = fn
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) *Command {
	if cmd, ok := r.commands[name]; ok {
		return cmd
	}
	if cmd, ok := r.aliases[name]; ok {
		return cmd
	}
	return nil
}

// All returns all registered commands sorted by name.
func (r *Registry) All() []*Command {
	cmds := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// ByCategory returns visible commands grouped by category.
func (r *Registry) ByCategory() map[string][]*Command {
	result := make(map[string][]*Command)
	for _, cmd := range r.All() {
		if cmd.Hidden {
			continue
		}
		category := cmd.Category
		if category == "" {
			category = "General"
		}
		result[category] = append(result[category], cmd)
	}
	return result
}

// MenuEntry is a command as listed in the client's menu.
type MenuEntry struct {
	Command     string
	Description string
}

// Menu lists visible commands without their slash. Names the Bot API
// would reject are left out.
func (r *Registry) Menu() []MenuEntry {
	var out []MenuEntry
	for _, cmd := range r.All() {
		name := strings.TrimPrefix(cmd.Name, "/")
		if cmd.Hidden || !MenuName(name) {
			continue
		}
		out = append(out, MenuEntry{Command: name, Description: cmd.Description})
	}
	return out
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute runs input if it is a command. It reports false for ordinary
// messages, which belong to the session. Commands addressed to another
// bot are consumed with an empty response.
func (r *Registry) Execute(c *Context, input string) (Response, bool) {
	inv, ok := r.parser.Parse(input)
	if !ok {
		return Response{}, IsCommand(input)
	}
	if inv.Command == nil {
		return Response{Text: "Unknown command " + inv.Name + ". Send /help for the list."}, true
	}
	if err := ValidateArgs(inv.Command, inv.Args); err != nil {
		text := err.Error()
		if inv.Command.Usage != "" {
			text += "\nUsage: " + inv.Command.Usage
		}
		return Response{Text: text}, true
	}
	c.Info = r.info

	resp, err := inv.Command.Handler(c, inv.Args)
	if err != nil {
		return r.failure(c, inv.Command.Name, err), true
	}
	return resp, true
}

// HandleCallback routes a button press.
func (r *Registry) HandleCallback(c *Context, data string) Response {
	c.Info = r.info
	// Longest prefix wins so "model:" never shadows "models:".
	var (
		best string
		fn   CallbackFunc
	)
	for prefix, cb := range r.callbacks {
		if strings.HasPrefix(data, prefix) && len(prefix) > len(best) {
			best, fn = prefix, cb
		}
	}
	if fn == nil {
		return Response{Toast: "This button has expired."}
	}
	resp, err := fn(c, strings.TrimPrefix(data, best))
	if err != nil {
		resp = r.failure(c, "callback "+best, err)
		resp.Toast = resp.Text
	}
	return resp
}

func (r *Registry) failure(c *Context, what string, err error) Response {
	log.Printf("commands: user %d: %s failed: %v", c.User.ID, what, err)
	f := session.Describe(err, nil, r.info.PasteHost)
	return Response{Text: f.Text}
}
