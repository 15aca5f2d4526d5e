// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middleware; the first runs outermost.
func Chain(mws ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// =============================================================================
// GUARD
// =============================================================================

// Guard admits requests by client address and bearer token.
type Guard struct {
	token string

	// restricted is set when an allowlist was configured, even if every
	// entry failed to parse; an empty allow then admits nobody.
	restricted bool
	allow      []netip.Prefix
}

// NewGuard builds a guard. Unparseable allowlist entries are logged and
// skipped.
func NewGuard(token string, allowed []string) *Guard {
	g := &Guard{token: token, restricted: len(allowed) > 0}
	for _, s := range allowed {
		p, err := ParseIPOrCIDR(s)
		if err != nil {
			log.Printf("server: ignoring allowlist entry: %v", err)
			continue
		}
		g.allow = append(g.allow, p)
	}
	return g
}

// Enabled reports whether the guard checks anything.
func (g *Guard) Enabled() bool { return g.token != "" || g.restricted }

func (g *Guard) admits(client string) bool {
	if !g.restricted {
		return true
	}
	addr, err := netip.ParseAddr(client)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range g.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware answers 401 for requests the guard refuses.
// SECURITY: Tokens are compared in constant time.
func (g *Guard) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if !g.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := GetClientIP(r)
			if !g.admits(client) {
				log.Printf("server: denied %s: not in allowlist", client)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if g.token != "" {
				token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				if !ValidateBearerToken(token, g.token) {
					log.Printf("server: denied %s: bad or missing token", client)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateBearerToken compares tokens in constant time. Empty tokens never
// match.
func ValidateBearerToken(token, expected string) bool {
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// ParseIPOrCIDR parses "10.0.0.1" or "10.0.0.0/8". A bare address is a
// single-host prefix.
func ParseIPOrCIDR(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address %q", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimiter keeps a token bucket per client address.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	*rate.Limiter
	last time.Time
}

// NewRateLimiter allows limit requests per window per client, in bursts
// of up to limit.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{
		limit:     limit,
		window:    window,
		buckets:   make(map[string]*bucket),
		nextSweep: time.Now().Add(window),
	}
}

// Allow reports whether a request from client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.nextSweep) {
		// A bucket idle for a whole window is full again; forget it.
		for k, b := range rl.buckets {
			if now.Sub(b.last) >= rl.window {
				delete(rl.buckets, k)
			}
		}
		rl.nextSweep = now.Add(rl.window)
	}

	b := rl.buckets[client]
	if b == nil {
		b = &bucket{Limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.limit)), rl.limit)}
		rl.buckets[client] = b
	}
	b.last = now
	return b.AllowN(now, 1)
}

// Middleware answers 429 with Retry-After once a client runs dry.
func (rl *RateLimiter) Middleware() Middleware {
	retry := strconv.Itoa(max(int(rl.window.Seconds()), 1))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := GetClientIP(r)
			if !rl.Allow(client) {
				log.Printf("server: rate limit exceeded by %s", client)
				w.Header().Set("Retry-After", retry)
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// LOGGING, HEADERS, RECOVERY
// =============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(logger *log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Printf("server: %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
		})
	}
}

// Every response is JSON about live users: nothing is framed or cached.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Content-Security-Policy": "default-src 'none'",
	"Cache-Control":           "no-store",
	"Referrer-Policy":         "no-referrer",
}

// SecurityHeadersMiddleware sets conservative response headers.
func SecurityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range securityHeaders {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					log.Printf("server: panic on %s %s: %v\n%s", r.Method, r.URL.Path, v, debug.Stack())
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// CLIENT ADDRESS
// =============================================================================

// Loopback and private ranges may front the server as reverse proxies.
var trustedProxies = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
}

func trusted(addr netip.Addr) bool {
	for _, p := range trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// GetClientIP returns the client address of r.
// SECURITY: X-Forwarded-For and X-Real-IP are honoured only when the peer
// is a trusted proxy, so they cannot be spoofed past the allowlist or the
// rate limit.
func GetClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !trusted(peer.Unmap()) {
		return host
	}

	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	for _, candidate := range []string{first, r.Header.Get("X-Real-IP")} {
		if addr, err := netip.ParseAddr(strings.TrimSpace(candidate)); err == nil {
			return addr.String()
		}
	}
	return host
}
