// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jeranaias/relaybot/internal/session"
	"github.com/jeranaias/relaybot/internal/util"
)

// Callback prefixes carried in button data.
const (
	CallbackMask     = "mask:"
	CallbackModel    = "model:"
	CallbackPlatform = "platform:"
	CallbackRestore  = "restore"
)

// errNoManager indicates /reset without a session manager.
var errNoManager = errors.New("session reset is not available")

// =============================================================================
// BUILT-IN COMMANDS
// =============================================================================

func (r *Registry) registerBuiltins() {
	r.Register(&Command{
		Name:        "/start",
		Description: "Start chatting",
		Category:    "General",
		Handler:     HandleStart,
	})

	r.Register(&Command{
		Name:        "/help",
		Aliases:     []string{"/h"},
		Description: "Show available commands",
		Category:    "General",
		Handler:     r.handleHelp,
	})

	// Conversation commands
	r.Register(&Command{
		Name:        "/clear",
		Aliases:     []string{"/new"},
		Description: "Clear the conversation",
		Category:    "Conversation",
		Handler:     HandleClear,
	})

	r.Register(&Command{
		Name:        "/restore",
		Description: "Bring back the last cleared conversation",
		Category:    "Conversation",
		Handler:     HandleRestore,
	})

	r.Register(&Command{
		Name:        "/reset",
		Description: "Forget your session and start from the defaults",
		Category:    "Conversation",
		Hidden:      true,
		Handler:     HandleReset,
	})

	// Selection commands
	r.Register(&Command{
		Name:        "/masks",
		Aliases:     []string{"/mask"},
		Description: "Choose a persona",
		Usage:       "/masks [key]",
		Args:        []ArgDef{{Name: "key", Description: "Mask to switch to"}},
		Category:    "Selection",
		Handler:     HandleMasks,
	})

	r.Register(&Command{
		Name:        "/model",
		Aliases:     []string{"/models"},
		Description: "Choose a model",
		Usage:       "/model [name]",
		Args:        []ArgDef{{Name: "name", Description: "Model to switch to"}},
		Category:    "Selection",
		Handler:     HandleModel,
	})

	r.Register(&Command{
		Name:        "/platform",
		Aliases:     []string{"/platforms"},
		Description: "Choose an upstream platform",
		Usage:       "/platform [key]",
		Args:        []ArgDef{{Name: "key", Description: "Platform to switch to"}},
		Category:    "Selection",
		Handler:     HandlePlatform,
	})

	// Account commands
	r.Register(&Command{
		Name:        "/balance",
		Description: "Show the platform balance",
		Category:    "Account",
		Handler:     HandleBalance,
	})

	r.Register(&Command{
		Name:        "/shop",
		Description: "Where to buy credit",
		Category:    "Account",
		Handler:     HandleShop,
	})

	r.Register(&Command{
		Name:        "/status",
		Description: "Show session details",
		Category:    "Account",
		Handler:     HandleStatus,
	})

	r.RegisterCallback(CallbackMask, func(c *Context, key string) (Response, error) {
		return switchMask(c, key)
	})
	r.RegisterCallback(CallbackModel, func(c *Context, name string) (Response, error) {
		return switchModel(c, name)
	})
	r.RegisterCallback(CallbackPlatform, func(c *Context, key string) (Response, error) {
		return switchPlatform(c, key)
	})
	r.RegisterCallback(CallbackRestore, func(c *Context, _ string) (Response, error) {
		return HandleRestore(c, nil)
	})
}

// =============================================================================
// HANDLER IMPLEMENTATIONS
// =============================================================================

// HandleStart greets the user and shows the active selection.
func HandleStart(c *Context, _ []string) (Response, error) {
	if err := c.Session.Activate(c.Ctx); err != nil {
		return Response{}, err
	}
	name := c.Info.Name
	if name == "" {
		name = "relaybot"
	}
	st := c.Session.Status()
	text := fmt.Sprintf("Hi %s, this is %s. Send a message, a photo, a document or a voice note.\n\n%s\n\nSend /help for commands.",
		greetingName(c.User), name, selection(st))
	if c.User.Visitor {
		text += "\n\nYou are using the bot as a visitor; some platforms and a daily allowance apply."
	}
	return Response{Text: text}, nil
}

func (r *Registry) handleHelp(c *Context, _ []string) (Response, error) {
	groups := r.ByCategory()
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "\n%s\n", name)
		for _, cmd := range groups[name] {
			usage := cmd.Usage
			if usage == "" {
				usage = cmd.Name
			}
			fmt.Fprintf(&sb, "  %s - %s\n", usage, cmd.Description)
		}
	}
	if c.Info.PasteHost != "" {
		fmt.Fprintf(&sb, "\nLong questions can be pasted at %s; send the link instead.", c.Info.PasteHost)
	}
	return Response{Text: strings.TrimRight(sb.String(), "\n")}, nil
}

// HandleClear clears the conversation and offers to restore it.
func HandleClear(c *Context, _ []string) (Response, error) {
	cleared, err := c.Session.ClearHistory(c.Ctx)
	if err != nil {
		return Response{}, err
	}
	if !cleared {
		return Response{Text: "The conversation is already empty."}, nil
	}
	return Response{
		Text:    "The conversation was cleared.",
		Buttons: [][]Button{{{Text: "Restore", Data: CallbackRestore}}},
	}, nil
}

// HandleRestore brings back the last cleared conversation.
func HandleRestore(c *Context, _ []string) (Response, error) {
	restored, err := c.Session.RestoreHistory(c.Ctx)
	if err != nil {
		return Response{}, err
	}
	if !restored {
		return Response{Text: "There is nothing to restore.", Toast: "Nothing to restore"}, nil
	}
	return Response{Text: "The conversation was restored.", Toast: "Restored"}, nil
}

// HandleReset drops the session and its stored snapshot.
func HandleReset(c *Context, _ []string) (Response, error) {
	if c.Manager == nil {
		return Response{}, errNoManager
	}
	if err := c.Manager.Forget(c.Ctx, c.User.ID); err != nil {
		return Response{}, err
	}
	return Response{Text: "Your session was reset. The next message starts from the defaults."}, nil
}

// HandleMasks lists masks, or switches to args[0].
func HandleMasks(c *Context, args []string) (Response, error) {
	if len(args) > 0 {
		return switchMask(c, args[0])
	}
	masks, err := c.Session.AvailableMasks(c.Ctx)
	if err != nil {
		return Response{}, err
	}
	if len(masks) == 0 {
		return Response{Text: "This platform offers no masks."}, nil
	}
	current := c.Session.Mask()
	var buttons []Button
	for _, m := range masks {
		label := m.DisplayName()
		if current != nil && current.Key == m.Key {
			label = "* " + label
		}
		buttons = append(buttons, Button{Text: label, Data: CallbackMask + m.Key})
	}
	return Response{Text: "Choose a mask:", Buttons: grid(buttons, 2)}, nil
}

// HandleModel lists models, or switches to args[0].
func HandleModel(c *Context, args []string) (Response, error) {
	if len(args) > 0 {
		return switchModel(c, args[0])
	}
	models, err := c.Session.AllowedModels(c.Ctx)
	if err != nil {
		return Response{}, err
	}
	if len(models) == 0 {
		return Response{Text: "The current mask has no selectable models on this platform."}, nil
	}
	current := c.Session.Model()
	var buttons []Button
	for _, m := range models {
		label := m
		if m == current {
			label = "* " + m
		}
		buttons = append(buttons, Button{Text: label, Data: CallbackModel + m})
	}
	return Response{Text: "Choose a model (current: " + current + "):", Buttons: grid(buttons, 2)}, nil
}

// HandlePlatform lists platforms, or switches to args[0].
func HandlePlatform(c *Context, args []string) (Response, error) {
	if len(args) > 0 {
		return switchPlatform(c, args[0])
	}
	descs := c.Session.AvailablePlatforms()
	if len(descs) == 0 {
		return Response{Text: "No platforms are available."}, nil
	}
	current := ""
	if p := c.Session.Platform(); p != nil {
		current = p.Key()
	}
	var buttons []Button
	for _, d := range descs {
		label := d.DisplayName()
		if d.Key == current {
			label = "* " + label
		}
		buttons = append(buttons, Button{Text: label, Data: CallbackPlatform + d.Key})
	}
	return Response{Text: "Choose a platform:", Buttons: grid(buttons, 2)}, nil
}

// HandleBalance reports the active platform's usage.
func HandleBalance(c *Context, _ []string) (Response, error) {
	balance, err := c.Session.Balance(c.Ctx)
	if err != nil {
		return Response{}, err
	}
	name := ""
	if p := c.Session.Platform(); p != nil {
		name = p.Descriptor().DisplayName()
	}
	return Response{Text: fmt.Sprintf("%s balance: %s", name, balance)}, nil
}

// HandleShop links to where credit can be bought.
func HandleShop(c *Context, _ []string) (Response, error) {
	if err := c.Session.Activate(c.Ctx); err != nil {
		return Response{}, err
	}
	var buttons []Button
	if c.Info.ShopURL != "" {
		buttons = append(buttons, Button{Text: "Shop", URL: c.Info.ShopURL})
	}
	if p := c.Session.Platform(); p != nil {
		d := p.Descriptor()
		if d.PaymentURL != "" {
			buttons = append(buttons, Button{Text: "Top up " + d.DisplayName(), URL: d.PaymentURL})
		}
		if d.IndexURL != "" {
			buttons = append(buttons, Button{Text: d.DisplayName() + " website", URL: d.IndexURL})
		}
	}
	if len(buttons) == 0 {
		return Response{Text: "No shop is configured."}, nil
	}
	return Response{Text: "Credit can be bought here:", Buttons: grid(buttons, 1)}, nil
}

// HandleStatus shows the session details.
func HandleStatus(c *Context, _ []string) (Response, error) {
	if err := c.Session.Activate(c.Ctx); err != nil {
		return Response{}, err
	}
	st := c.Session.Status()
	text := fmt.Sprintf("%s\nHistory: %d turns\nSession: %s\nActive for %s, idle for %s",
		selection(st), st.HistoryLen, st.ID,
		util.FormatDuration(st.LastActivity.Sub(st.Started)), util.FormatDuration(st.Idle))
	return Response{Text: text}, nil
}

// =============================================================================
// SWITCHES
// =============================================================================

func switchMask(c *Context, key string) (Response, error) {
	if err := c.Session.SwitchMask(c.Ctx, key); err != nil {
		return Response{}, err
	}
	m := c.Session.Mask()
	text := fmt.Sprintf("Mask switched to %s (model %s). The conversation was cleared; /restore brings it back.",
		m.DisplayName(), c.Session.Model())
	return Response{Text: text, Toast: m.DisplayName()}, nil
}

func switchModel(c *Context, name string) (Response, error) {
	if err := c.Session.SwitchModel(c.Ctx, name); err != nil {
		return Response{}, err
	}
	text := fmt.Sprintf("Model switched to %s. The conversation was cleared; /restore brings it back.", name)
	return Response{Text: text, Toast: name}, nil
}

func switchPlatform(c *Context, key string) (Response, error) {
	if err := c.Session.SwitchPlatform(c.Ctx, key); err != nil {
		return Response{}, err
	}
	st := c.Session.Status()
	text := fmt.Sprintf("Platform switched.\n%s\n%d turns of the conversation were kept.", selection(st), st.HistoryLen)
	return Response{Text: text, Toast: st.Platform}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func selection(st session.Status) string {
	return fmt.Sprintf("Platform: %s\nMask: %s\nModel: %s", st.Platform, st.Mask, st.Model)
}

func greetingName(u session.User) string {
	if u.Name != "" {
		return u.Name
	}
	return "there"
}

// grid lays buttons out in rows of n.
func grid(buttons []Button, n int) [][]Button {
	var rows [][]Button
	for len(buttons) > 0 {
		k := n
		if k > len(buttons) {
			k = len(buttons)
		}
		rows = append(rows, buttons[:k])
		buttons = buttons[k:]
	}
	return rows
}
