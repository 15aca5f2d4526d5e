// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/platform"
	"github.com/jeranaias/relaybot/internal/quota"
	"github.com/jeranaias/relaybot/internal/storage"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Options are the dispatch rules shared by every session.
type Options struct {
	// Stream selects streaming relays with progressive edits.
	Stream bool

	// MaxInputBytes rejects longer questions and captions.
	MaxInputBytes int

	// MaxReplyBytes is the longest answer relayed inline; longer answers go
	// to the paste host, or are chunked when none is configured.
	MaxReplyBytes int

	// MessageLimit is the front-end's hard per-message size.
	MessageLimit int

	// EditThreshold is the growth in bytes between streaming edits.
	EditThreshold int

	// TypingInterval spaces typing indicators while a request runs.
	TypingInterval time.Duration

	DefaultPlatform string
	DefaultMask     string
	DefaultModel    string

	// VisitorPlatforms restricts visitors; empty allows every platform.
	VisitorPlatforms []string

	// VisionPrefixes are model prefixes that accept images.
	VisionPrefixes []string

	// AlternationPrefixes are model prefixes that require strict
	// user/assistant alternation.
	AlternationPrefixes []string

	StopWords []string

	// SummarizeDocuments condenses documents over MaxInputBytes instead of
	// rejecting them.
	SummarizeDocuments bool
}

// DefaultOptions returns the stock dispatch rules.
func DefaultOptions() Options {
	return Options{
		MaxInputBytes:       3500,
		MaxReplyBytes:       3500,
		MessageLimit:        4096,
		EditThreshold:       100,
		TypingInterval:      4 * time.Second,
		DefaultMask:         "common",
		VisionPrefixes:      []string{"gpt-4o", "claude-3", "gemini-1.5-pro"},
		AlternationPrefixes: []string{"claude"},
		StopWords:           DefaultStopWords,
	}
}

// Platforms is the slice of the platform registry sessions use.
type Platforms interface {
	Instantiate(ctx context.Context, key string) (platform.Platform, error)
	Descriptor(key string) (*model.Descriptor, bool)
	Keys() []string
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Platforms Platforms
	Masks     *Catalog
	Quota     *quota.Limiter
	Paste     PasteBin
	Options   Options

	stopOnce sync.Once
	stop     map[string]struct{}
}

func (d *Deps) stopWords() map[string]struct{} {
	d.stopOnce.Do(func() {
		d.stop = stopSet(d.Options.StopWords)
	})
	return d.stop
}

func (d *Deps) pasteHost() string {
	if d.Paste == nil {
		return ""
	}
	return d.Paste.Host()
}

// =============================================================================
// SESSION
// =============================================================================

// State is the lifecycle of a session.
type State int

const (
	Uninitialized State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "uninitialized"
}

// User identifies the person behind a session.
type User struct {
	ID      int64
	Name    string
	Visitor bool
}

// Session is one user's conversation. Every exported method holds the
// session mutex, so dispatches and switches never interleave.
type Session struct {
	mu   sync.Mutex
	id   string
	user User
	deps *Deps

	state    State
	platform platform.Platform
	mask     *model.Mask
	model    string

	started      time.Time
	lastActivity time.Time
	dirty        bool
}

// New creates an uninitialized session.
func New(user User, deps *Deps) *Session {
	now := time.Now()
	return &Session{
		id:           uuid.NewString(),
		user:         user,
		deps:         deps,
		started:      now,
		lastActivity: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// User returns the session owner.
func (s *Session) User() User { return s.user }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Platform returns the active platform, nil before activation.
func (s *Session) Platform() platform.Platform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platform
}

// Mask returns the active mask, nil before activation.
func (s *Session) Mask() *model.Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask
}

// Model returns the active model.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Activate binds the session to the default platform, mask and model.
// Activating an active session does nothing.
func (s *Session) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateLocked(ctx)
}

func (s *Session) activateLocked(ctx context.Context) error {
	if s.state == Active {
		return nil
	}
	opts := s.deps.Options
	key := opts.DefaultPlatform
	if s.user.Visitor && !s.visitorMay(key) && len(opts.VisitorPlatforms) > 0 {
		key = opts.VisitorPlatforms[0]
	}
	return s.bindLocked(ctx, key, opts.DefaultMask, opts.DefaultModel, nil, nil)
}

// bindLocked instantiates platform key and selects mask and model on it,
// falling back to what the platform supports. turns and held seed the new
// history.
func (s *Session) bindLocked(ctx context.Context, key, maskKey, modelName string, turns, held []model.Turn) error {
	p, err := s.deps.Platforms.Instantiate(ctx, key)
	if err != nil {
		return err
	}
	desc := p.Descriptor()

	mask, ok := s.deps.Masks.Get(maskKey)
	if !ok || !desc.SupportsMask(maskKey) {
		fallback := desc.FirstMask()
		if fallback == "" {
			fallback = s.deps.Options.DefaultMask
		}
		if mask, ok = s.deps.Masks.Get(fallback); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownMask, fallback)
		}
	}
	if modelName == "" || !desc.AllowsModel(mask, modelName) {
		modelName = pickModel(desc, mask)
	}

	s.platform, s.mask, s.model = p, mask, modelName
	s.applyRulesLocked()
	if len(turns) > 0 {
		p.History().Replace(turns)
	}
	p.History().SetHeld(held)
	s.state = Active
	s.dirty = true
	return nil
}

// pickModel prefers the mask's default, then the first model the platform
// allows for the mask.
func pickModel(desc *model.Descriptor, mask *model.Mask) string {
	if mask.DefaultModel != "" && desc.AllowsModel(mask, mask.DefaultModel) {
		return mask.DefaultModel
	}
	if allowed := desc.AllowedModels(mask); len(allowed) > 0 {
		return allowed[0]
	}
	return mask.DefaultModel
}

// applyRulesLocked sets the history bound to the tighter of the platform
// and mask limits, and alternation from the model family.
func (s *Session) applyRulesLocked() {
	limit := s.platform.Descriptor().MaxHistoryTurns
	if m := s.mask.MaxHistoryTurns; m > 0 && (limit <= 0 || m < limit) {
		limit = m
	}
	h := s.platform.History()
	h.SetCapacity(limit)
	h.SetAlternation(hasAnyPrefix(s.model, s.deps.Options.AlternationPrefixes))
}

func (s *Session) visitorMay(key string) bool {
	allowed := s.deps.Options.VisitorPlatforms
	if len(allowed) == 0 {
		return true
	}
	for _, k := range allowed {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

// =============================================================================
// MIGRATION
// =============================================================================

// SwitchMask activates mask key. When the current model is not allowed for
// the new mask the mask's default model takes over. History is cleared
// into the undo slot.
func (s *Session) SwitchMask(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activateLocked(ctx); err != nil {
		return err
	}
	s.touchLocked()

	mask, ok := s.deps.Masks.Get(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMask, key)
	}
	desc := s.platform.Descriptor()
	if !desc.SupportsMask(key) {
		return fmt.Errorf("%w: %q on %s", ErrMaskUnsupported, key, desc.DisplayName())
	}

	s.mask = mask
	if !desc.AllowsModel(mask, s.model) {
		s.model = pickModel(desc, mask)
	}
	s.platform.History().Clear()
	s.applyRulesLocked()
	s.dirty = true
	log.Printf("session %s: mask -> %s (model %s)", s.id, key, s.model)
	return nil
}

// SwitchModel activates name for the current mask and platform. History is
// cleared into the undo slot.
func (s *Session) SwitchModel(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activateLocked(ctx); err != nil {
		return err
	}
	s.touchLocked()

	desc := s.platform.Descriptor()
	if !desc.AllowsModel(s.mask, name) {
		return fmt.Errorf("%w: %q", ErrModelUnsupported, name)
	}
	s.model = name
	s.platform.History().Clear()
	s.applyRulesLocked()
	s.dirty = true
	log.Printf("session %s: model -> %s", s.id, name)
	return nil
}

// SwitchPlatform moves the conversation to platform key. The mask and
// model fall back to what the new platform supports, and the history is
// transplanted and re-trimmed under the new platform's rules.
func (s *Session) SwitchPlatform(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activateLocked(ctx); err != nil {
		return err
	}
	s.touchLocked()

	if s.user.Visitor && !s.visitorMay(key) {
		return fmt.Errorf("%w: %q", ErrPlatformRestricted, key)
	}
	if key == s.platform.Key() {
		return nil
	}
	old := s.platform.History()
	if err := s.bindLocked(ctx, key, s.mask.Key, s.model, old.Turns(), old.Held()); err != nil {
		return err
	}
	log.Printf("session %s: platform -> %s (mask %s, model %s, %d turns kept)",
		s.id, key, s.mask.Key, s.model, s.platform.History().Len())
	return nil
}

// =============================================================================
// HISTORY CONTROL
// =============================================================================

// ClearHistory moves the conversation into the undo slot. It reports
// whether there was anything to clear.
func (s *Session) ClearHistory(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activateLocked(ctx); err != nil {
		return false, err
	}
	s.touchLocked()
	h := s.platform.History()
	if h.Len() == 0 {
		return false, nil
	}
	h.Clear()
	s.dirty = true
	return true, nil
}

// RestoreHistory brings back the last cleared conversation.
func (s *Session) RestoreHistory(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activateLocked(ctx); err != nil {
		return false, err
	}
	s.touchLocked()
	ok := s.platform.History().Restore()
	if ok {
		s.dirty = true
	}
	return ok, nil
}

// Balance queries the active platform's usage.
func (s *Session) Balance(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activateLocked(ctx); err != nil {
		return "", err
	}
	s.touchLocked()
	return s.platform.QueryBalance(ctx)
}

// =============================================================================
// INSPECTION
// =============================================================================

// Status is a point-in-time view of a session.
type Status struct {
	ID           string
	User         User
	State        State
	Platform     string
	Mask         string
	Model        string
	HistoryLen   int
	Started      time.Time
	LastActivity time.Time
	Idle         time.Duration
}

// Status returns the current view.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:           s.id,
		User:         s.user,
		State:        s.state,
		Model:        s.model,
		Started:      s.started,
		LastActivity: s.lastActivity,
		Idle:         time.Since(s.lastActivity),
	}
	if s.platform != nil {
		st.Platform = s.platform.Key()
		st.HistoryLen = s.platform.History().Len()
	}
	if s.mask != nil {
		st.Mask = s.mask.Key
	}
	return st
}

// AllowedModels lists models selectable for the current mask and platform.
func (s *Session) AllowedModels(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activateLocked(ctx); err != nil {
		return nil, err
	}
	return s.platform.Descriptor().AllowedModels(s.mask), nil
}

// AvailableMasks lists masks the current platform offers.
func (s *Session) AvailableMasks(ctx context.Context) ([]*model.Mask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activateLocked(ctx); err != nil {
		return nil, err
	}
	desc := s.platform.Descriptor()
	var out []*model.Mask
	for _, key := range s.deps.Masks.Keys() {
		if desc.SupportsMask(key) {
			m, _ := s.deps.Masks.Get(key)
			out = append(out, m)
		}
	}
	return out, nil
}

// AvailablePlatforms lists platforms the user may switch to.
func (s *Session) AvailablePlatforms() []*model.Descriptor {
	var out []*model.Descriptor
	for _, key := range s.deps.Platforms.Keys() {
		if s.user.Visitor && !s.visitorMay(key) {
			continue
		}
		if d, ok := s.deps.Platforms.Descriptor(key); ok {
			out = append(out, d)
		}
	}
	return out
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Snapshot captures the session for storage. Inactive sessions report
// false.
func (s *Session) Snapshot() (storage.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return storage.SessionRecord{}, false
	}
	h := s.platform.History()
	return storage.SessionRecord{
		UserID:    s.user.ID,
		SessionID: s.id,
		Visitor:   s.user.Visitor,
		Platform:  s.platform.Key(),
		Mask:      s.mask.Key,
		Model:     s.model,
		Turns:     h.Turns(),
		Held:      h.Held(),
		UpdatedAt: s.lastActivity,
	}, true
}

// Resume rebuilds state from rec, falling back to defaults for anything no
// longer configured.
func (s *Session) Resume(ctx context.Context, rec storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeLocked(ctx, rec)
}

func (s *Session) resumeLocked(ctx context.Context, rec storage.SessionRecord) error {
	if rec.SessionID != "" {
		s.id = rec.SessionID
	}
	key := rec.Platform
	if _, ok := s.deps.Platforms.Descriptor(key); !ok || (s.user.Visitor && !s.visitorMay(key)) {
		key = s.deps.Options.DefaultPlatform
	}
	if err := s.bindLocked(ctx, key, rec.Mask, rec.Model, rec.Turns, rec.Held); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// takeDirty reports and resets whether state changed since the last save.
func (s *Session) takeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dirty
	s.dirty = false
	return d
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// idleSince returns the last activity time.
func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
