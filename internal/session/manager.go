// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/relaybot/internal/storage"
)

// Store persists session snapshots. storage.SessionStore implements it.
type Store interface {
	Save(ctx context.Context, rec storage.SessionRecord) error
	Load(ctx context.Context, userID int64) (storage.SessionRecord, error)
	Delete(ctx context.Context, userID int64) error
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	// IdleTimeout evicts sessions without activity for this long (default:
	// 30 minutes). Evicted sessions are saved first and resume from the
	// store on the next message.
	IdleTimeout time.Duration

	// SweepInterval is how often Run checks for idle and unsaved sessions
	// (default: 30 seconds).
	SweepInterval time.Duration

	// RatePerSecond and Burst bound how fast one user may send messages.
	// Zero disables the limit.
	RatePerSecond float64
	Burst         int
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: 30 * time.Second,
		RatePerSecond: 1,
		Burst:         5,
	}
}

// Manager owns the live sessions, one per user.
type Manager struct {
	deps  *Deps
	cfg   ManagerConfig
	store Store

	mu       sync.Mutex
	sessions map[int64]*Session
	limiters map[int64]*rate.Limiter
	started  time.Time

	onEvict func(Status)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore persists sessions to store.
func WithStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// WithEvictCallback sets the function called after a session is evicted.
func WithEvictCallback(fn func(Status)) ManagerOption {
	return func(m *Manager) {
		m.onEvict = fn
	}
}

// NewManager creates a new session manager.
func NewManager(deps *Deps, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	def := DefaultManagerConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	m := &Manager{
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[int64]*Session),
		limiters: make(map[int64]*rate.Limiter),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Deps returns the shared session collaborators.
func (m *Manager) Deps() *Deps { return m.deps }

// Get returns user's session, resuming it from the store or creating a new
// one. A snapshot that no longer resolves is discarded in favour of a fresh
// session.
func (m *Manager) Get(ctx context.Context, user User) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[user.ID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := New(user, m.deps)
	// Hold the session while it resumes so concurrent callers queue on it.
	s.mu.Lock()
	m.sessions[user.ID] = s
	m.mu.Unlock()
	defer s.mu.Unlock()

	if m.store == nil {
		return s, nil
	}
	rec, err := m.store.Load(ctx, user.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s, nil
	case err != nil:
		log.Printf("session: load of user %d failed, starting fresh: %v", user.ID, err)
		return s, nil
	}
	if err := s.resumeLocked(ctx, rec); err != nil {
		log.Printf("session: resume of user %d failed, starting fresh: %v", user.ID, err)
		return s, nil
	}
	log.Printf("session: resumed %s for user %d on %s (%d turns)", s.id, user.ID, rec.Platform, len(rec.Turns))
	return s, nil
}

// Allow reports whether user may send another message now.
// SECURITY: per-user limiting keeps one chat from monopolizing upstream
// credentials.
func (m *Manager) Allow(userID int64) bool {
	if m.cfg.RatePerSecond <= 0 {
		return true
	}
	m.mu.Lock()
	l, ok := m.limiters[userID]
	if !ok {
		burst := m.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(m.cfg.RatePerSecond), burst)
		m.limiters[userID] = l
	}
	m.mu.Unlock()
	return l.Allow()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Status returns the view of userID's live session.
func (m *Manager) Status(userID int64) (Status, bool) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return s.Status(), true
}

// Statuses returns every live session, most recently active first.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.snapshot()))
	for _, s := range m.snapshot() {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

// Uptime returns how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// =============================================================================
// PERSISTENCE AND EVICTION
// =============================================================================

// Save writes s to the store if it changed since the last save.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	if m.store == nil || !s.takeDirty() {
		return nil
	}
	rec, ok := s.Snapshot()
	if !ok {
		return nil
	}
	if err := m.store.Save(ctx, rec); err != nil {
		s.markDirty()
		return err
	}
	return nil
}

// Check saves changed sessions and evicts idle ones. It returns how many
// sessions were evicted.
func (m *Manager) Check(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	evicted := 0
	for _, s := range m.snapshot() {
		if err := m.Save(ctx, s); err != nil {
			log.Printf("session %s: save failed: %v", s.ID(), err)
			continue
		}
		if !s.idleSince().Before(cutoff) {
			continue
		}

		m.mu.Lock()
		// Skip sessions that were replaced or touched meanwhile.
		if m.sessions[s.user.ID] != s || !s.idleSince().Before(cutoff) {
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, s.user.ID)
		delete(m.limiters, s.user.ID)
		m.mu.Unlock()

		evicted++
		if m.onEvict != nil {
			m.onEvict(s.Status())
		}
	}
	return evicted
}

// Forget drops userID's live session and stored snapshot. The next
// message starts from the defaults.
func (m *Manager) Forget(ctx context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Flush saves every changed session.
func (m *Manager) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.snapshot() {
		if err := m.Save(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run checks sessions every SweepInterval until ctx is cancelled, then
// flushes.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; give the final flush its own deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.Flush(flushCtx); err != nil {
				log.Printf("session: final flush failed: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if n := m.Check(ctx); n > 0 {
				log.Printf("session: evicted %d idle sessions, %d live", n, m.Len())
			}
		}
	}
}
