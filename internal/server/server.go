// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/jeranaias/relaybot/internal/session"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr binds the status server to loopback only.
	DefaultAddr = "127.0.0.1:8787"

	// DefaultRatePerMinute bounds requests per client IP.
	DefaultRatePerMinute = 60

	shutdownTimeout = 5 * time.Second
)

// ============================================================================
// SERVER
// ============================================================================

// Source is the view of the bot the server reports on.
// *session.Manager implements it.
type Source interface {
	Len() int
	Statuses() []session.Status
	Uptime() time.Duration
}

// Config configures the status server.
type Config struct {
	Addr    string
	Version string

	// AuthToken enables bearer authentication when set.
	AuthToken string

	// AllowedIPs are addresses or CIDR ranges; empty allows everyone.
	AllowedIPs []string

	RatePerMinute int
}

// Server is the HTTP status server.
type Server struct {
	cfg       Config
	src       Source
	platforms []string
	router    *http.ServeMux
	handler   http.Handler
}

// New creates a server reporting on src. platforms are the keys the bot
// can route to.
func New(cfg Config, src Source, platforms []string) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultRatePerMinute
	}
	s := &Server{
		cfg:       cfg,
		src:       src,
		platforms: append([]string(nil), platforms...),
		router:    http.NewServeMux(),
	}
	s.setupRoutes()

	handler := Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		NewRateLimiter(cfg.RatePerMinute, time.Minute).Middleware(),
	)(s.router)
	s.handler = NewGuard(cfg.AuthToken, cfg.AllowedIPs).Middleware()(handler)
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
	s.router.HandleFunc("GET /sessions", s.handleSessions)
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Sessions      int      `json:"sessions"`
	Platforms     []string `json:"platforms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:        "ok",
		Version:       s.cfg.Version,
		UptimeSeconds: int64(s.src.Uptime().Seconds()),
		Sessions:      s.src.Len(),
		Platforms:     s.platforms,
	}
	if len(s.platforms) == 0 {
		health.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// STATS HANDLER
// ============================================================================

// StatsResponse is the GET /stats body: live sessions broken down by
// selection.
type StatsResponse struct {
	Sessions      int            `json:"sessions"`
	Visitors      int            `json:"visitors"`
	Active        int            `json:"active"`
	ByPlatform    map[string]int `json:"by_platform"`
	ByMask        map[string]int `json:"by_mask"`
	ByModel       map[string]int `json:"by_model"`
	HistoryTurns  int            `json:"history_turns"`
	UptimeSeconds int64          `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	statuses := s.src.Statuses()
	stats := StatsResponse{
		Sessions:      len(statuses),
		ByPlatform:    make(map[string]int),
		ByMask:        make(map[string]int),
		ByModel:       make(map[string]int),
		UptimeSeconds: int64(s.src.Uptime().Seconds()),
	}
	for _, st := range statuses {
		if st.User.Visitor {
			stats.Visitors++
		}
		if st.State != session.Active {
			continue
		}
		stats.Active++
		stats.ByPlatform[st.Platform]++
		stats.ByMask[st.Mask]++
		stats.ByModel[st.Model]++
		stats.HistoryTurns += st.HistoryLen
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// ============================================================================
// SESSIONS HANDLER
// ============================================================================

// SessionInfo is one entry of GET /sessions.
type SessionInfo struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	Visitor      bool      `json:"visitor"`
	State        string    `json:"state"`
	Platform     string    `json:"platform,omitempty"`
	Mask         string    `json:"mask,omitempty"`
	Model        string    `json:"model,omitempty"`
	HistoryLen   int       `json:"history_len"`
	Started      time.Time `json:"started"`
	LastActivity time.Time `json:"last_activity"`
	IdleSeconds  int64     `json:"idle_seconds"`
}

// handleSessions lists live sessions, most recently active first. User
// names are omitted.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	statuses := s.src.Statuses()
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].LastActivity.After(statuses[j].LastActivity)
	})
	out := make([]SessionInfo, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, SessionInfo{
			ID:           st.ID,
			UserID:       st.User.ID,
			Visitor:      st.User.Visitor,
			State:        st.State.String(),
			Platform:     st.Platform,
			Mask:         st.Mask,
			Model:        st.Model,
			HistoryLen:   st.HistoryLen,
			Started:      st.Started,
			LastActivity: st.LastActivity,
			IdleSeconds:  int64(st.Idle.Seconds()),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", ln.Addr())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Printf("server: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
