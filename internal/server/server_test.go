// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/relaybot/internal/session"
)

// fakeSource reports a fixed set of sessions.
type fakeSource struct {
	statuses []session.Status
}

func (f *fakeSource) Len() int                   { return len(f.statuses) }
func (f *fakeSource) Statuses() []session.Status { return append([]session.Status(nil), f.statuses...) }
func (f *fakeSource) Uptime() time.Duration      { return 90 * time.Second }

func newFakeSource() *fakeSource {
	now := time.Now()
	return &fakeSource{statuses: []session.Status{
		{ID: "a", User: session.User{ID: 1, Name: "ada"}, State: session.Active, Platform: "openai", Mask: "common", Model: "gpt-4o", HistoryLen: 4, LastActivity: now.Add(-time.Minute), Idle: time.Minute},
		{ID: "b", User: session.User{ID: 2, Name: "bob", Visitor: true}, State: session.Active, Platform: "free_1", Mask: "common", Model: "gpt-3.5-turbo", HistoryLen: 2, LastActivity: now},
		{ID: "c", User: session.User{ID: 3, Name: "cy"}, State: session.Uninitialized, LastActivity: now.Add(-time.Hour)},
	}}
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.7:5555"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// HANDLER TESTS
// =============================================================================

func TestHandleHealth(t *testing.T) {
	s := New(Config{Version: "1.2.3"}, newFakeSource(), []string{"free_1", "openai"})
	rec := get(t, s.Handler(), "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Sessions != 3 || resp.UptimeSeconds != 90 {
		t.Errorf("health = %+v", resp)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("security headers missing, X-Content-Type-Options = %q", got)
	}
}

func TestHandleHealth_NoPlatforms(t *testing.T) {
	s := New(Config{}, newFakeSource(), nil)
	rec := get(t, s.Handler(), "/health", nil)
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("body = %s, want degraded", rec.Body.String())
	}
}

func TestHandleStats(t *testing.T) {
	s := New(Config{}, newFakeSource(), []string{"openai"})
	rec := get(t, s.Handler(), "/stats", nil)

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Sessions != 3 || resp.Active != 2 || resp.Visitors != 1 {
		t.Errorf("counts = %+v", resp)
	}
	if resp.ByPlatform["openai"] != 1 || resp.ByPlatform["free_1"] != 1 || resp.ByMask["common"] != 2 {
		t.Errorf("breakdown = %+v", resp)
	}
	if resp.HistoryTurns != 6 {
		t.Errorf("HistoryTurns = %d, want 6", resp.HistoryTurns)
	}
}

func TestHandleSessions(t *testing.T) {
	s := New(Config{}, newFakeSource(), []string{"openai"})
	rec := get(t, s.Handler(), "/sessions", nil)

	var resp []SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 3 {
		t.Fatalf("len = %d, want 3", len(resp))
	}
	if resp[0].ID != "b" || resp[2].ID != "c" {
		t.Errorf("order = %s,%s,%s, want most recent first", resp[0].ID, resp[1].ID, resp[2].ID)
	}
	if resp[1].IdleSeconds != 60 || resp[1].State != session.Active.String() {
		t.Errorf("entry = %+v", resp[1])
	}
	if strings.Contains(rec.Body.String(), "ada") {
		t.Error("user names must not be exposed")
	}
}

func TestUnknownRoute(t *testing.T) {
	s := New(Config{}, newFakeSource(), nil)
	if rec := get(t, s.Handler(), "/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestAuth_BearerToken(t *testing.T) {
	s := New(Config{AuthToken: "s3cret"}, newFakeSource(), nil)

	if rec := get(t, s.Handler(), "/health", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	bad := http.Header{"Authorization": []string{"Bearer wrong"}}
	if rec := get(t, s.Handler(), "/health", bad); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
	good := http.Header{"Authorization": []string{"Bearer s3cret"}}
	if rec := get(t, s.Handler(), "/health", good); rec.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", rec.Code)
	}
}

func TestAuth_AllowList(t *testing.T) {
	s := New(Config{AllowedIPs: []string{"198.51.100.0/24"}}, newFakeSource(), nil)
	if rec := get(t, s.Handler(), "/health", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("outside allowlist: status = %d, want 401", rec.Code)
	}

	s = New(Config{AllowedIPs: []string{"203.0.113.7"}}, newFakeSource(), nil)
	if rec := get(t, s.Handler(), "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("inside allowlist: status = %d, want 200", rec.Code)
	}
}

func TestGuard_AllEntriesInvalid(t *testing.T) {
	g := NewGuard("", []string{"not-an-ip"})
	if !g.Enabled() {
		t.Fatal("a configured allowlist must enable the guard")
	}
	if g.admits("203.0.113.7") {
		t.Error("an allowlist with no valid entries must admit nobody")
	}
	if NewGuard("", nil).Enabled() {
		t.Error("empty guard should be disabled")
	}
}

func TestValidateBearerToken(t *testing.T) {
	tests := []struct {
		token, expected string
		want            bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"", "", false},
		{"abc", "", false},
		{"", "abc", false},
	}
	for _, tt := range tests {
		if got := ValidateBearerToken(tt.token, tt.expected); got != tt.want {
			t.Errorf("ValidateBearerToken(%q, %q) = %v, want %v", tt.token, tt.expected, got, tt.want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	s := New(Config{RatePerMinute: 2}, newFakeSource(), nil)
	for i := 0; i < 2; i++ {
		if rec := get(t, s.Handler(), "/health", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}
	rec := get(t, s.Handler(), "/health", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.2") {
		t.Fatal("first request per IP must pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("second request from the same IP must be limited")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := get(t, h, "/", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	get(t, h, "/", nil)
	if strings.Join(order, ",") != "a,b,handler" {
		t.Errorf("order = %v", order)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "203.0.113.7:1", "", "203.0.113.7"},
		{"untrusted proxy header ignored", "203.0.113.7:1", "1.2.3.4", "203.0.113.7"},
		{"trusted proxy", "127.0.0.1:1", "1.2.3.4, 10.0.0.1", "1.2.3.4"},
		{"trusted proxy bad header", "10.0.0.5:1", "not-an-ip", "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIPOrCIDR(t *testing.T) {
	for _, ok := range []string{"10.0.0.1", "10.0.0.0/8", "::1", "fc00::/7"} {
		if _, err := ParseIPOrCIDR(ok); err != nil {
			t.Errorf("ParseIPOrCIDR(%q) error: %v", ok, err)
		}
	}
	p, err := ParseIPOrCIDR("10.1.2.3/8")
	if err != nil || p.String() != "10.0.0.0/8" {
		t.Errorf("ParseIPOrCIDR masks host bits: got %v, %v", p, err)
	}
	for _, bad := range []string{"", "10.0.0", "10.0.0.0/33", "host"} {
		if _, err := ParseIPOrCIDR(bad); err == nil {
			t.Errorf("ParseIPOrCIDR(%q) should fail", bad)
		}
	}
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{}, newFakeSource(), []string{"openai"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
