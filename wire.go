// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"

	"github.com/redis/go-redis/v9"

	"github.com/jeranaias/relaybot/internal/config"
	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/platform"
	"github.com/jeranaias/relaybot/internal/quota"
	"github.com/jeranaias/relaybot/internal/session"
	"github.com/jeranaias/relaybot/internal/storage"
	"github.com/jeranaias/relaybot/internal/transport"
)

// app holds everything built from one configuration.
type app struct {
	cfg         *config.Config
	httpClient  *http.Client
	credentials *storage.CredentialStore
	platforms   *platform.Registry
	counter     quota.Counter
	sessions    *storage.SessionStore
	deps        *session.Deps
}

// buildApp wires the platform registry, quota and stores. Callers must
// Close the result.
func buildApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, httpClient: transport.NewPooledClient()}
	if t, ok := a.httpClient.Transport.(*http.Transport); ok && cfg.RequestTimeout() > 0 {
		t.ResponseHeaderTimeout = cfg.RequestTimeout()
	}

	creds, err := storage.OpenCredentialStore(cfg.DataPath(cfg.Storage.CredentialFile))
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	a.credentials = creds

	a.platforms, err = buildPlatforms(cfg, a.httpClient, creds)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.counter, err = buildCounter(cfg.Quota)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Storage.PersistSessions {
		a.sessions, err = storage.OpenSessionStore(cfg.DataPath(cfg.Storage.SessionDB))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("session store: %w", err)
		}
	}

	a.deps = &session.Deps{
		Platforms: a.platforms,
		Masks:     session.NewCatalog(cfg.Masks),
		Quota:     quota.NewLimiter(a.counter, cfg.Quota.DailyLimit),
		Options:   sessionOptions(cfg),
	}
	if cfg.Bot.PasteHost != "" {
		tr := transport.New(a.httpClient,
			transport.WithName("paste"),
			transport.WithAttempts(cfg.Transport.Attempts),
			transport.WithInterval(cfg.RetryInterval()),
		)
		a.deps.Paste = session.NewHasteClient(cfg.Bot.PasteHost, tr)
	}
	return a, nil
}

// Close releases the stores and idle connections.
func (a *app) Close() error {
	var errs []error
	if a.sessions != nil {
		errs = append(errs, a.sessions.Close())
	}
	if a.counter != nil {
		errs = append(errs, a.counter.Close())
	}
	a.httpClient.CloseIdleConnections()
	return errors.Join(errs...)
}

// manager builds the session manager over the app's dependencies.
func (a *app) manager() *session.Manager {
	mcfg := session.DefaultManagerConfig()
	mcfg.IdleTimeout = a.cfg.IdleTimeout()
	mcfg.RatePerSecond = a.cfg.Bot.RatePerSecond
	mcfg.Burst = a.cfg.Bot.Burst

	opts := []session.ManagerOption{
		session.WithEvictCallback(func(st session.Status) {
			log.Printf("session: evicted user %d (%s) after %v idle", st.User.ID, st.ID, st.Idle)
		}),
	}
	if a.sessions != nil {
		opts = append(opts, session.WithStore(a.sessions))
	}
	return session.NewManager(a.deps, mcfg, opts...)
}

// =============================================================================
// PLATFORMS
// =============================================================================

// buildPlatforms registers the built-in factories, the configured credential
// providers and every configured descriptor, then validates the result.
func buildPlatforms(cfg *config.Config, client *http.Client, cache platform.CredentialCache) (*platform.Registry, error) {
	reg := platform.NewRegistry(client,
		platform.WithCache(cache),
		platform.WithRegion(model.Region(cfg.Bot.Region)),
		platform.WithLanguage(cfg.Bot.Language),
		platform.WithTransportOptions(
			transport.WithAttempts(cfg.Transport.Attempts),
			transport.WithInterval(cfg.RetryInterval()),
		),
	)
	platform.RegisterBuiltins(reg)

	for name, pc := range cfg.Providers {
		p, err := buildProvider(pc, client)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		reg.RegisterProvider(name, p)
	}
	for _, d := range cfg.Descriptors() {
		reg.AddDescriptor(d)
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("platforms: %w", err)
	}
	return reg, nil
}

// buildProvider turns a provider section into a CredentialProvider.
func buildProvider(pc config.ProviderConfig, client *http.Client) (platform.CredentialProvider, error) {
	switch pc.Kind {
	case config.ProviderStatic:
		return platform.StaticProvider{APIKey: pc.APIKey, BaseURL: pc.BaseURL}, nil
	case config.ProviderPage:
		re, err := regexp.Compile(pc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		p := &platform.PageProvider{URL: pc.URL, Pattern: re, BaseURL: pc.BaseURL, Client: client}
		if pc.UserAgent != "" {
			p.Header = http.Header{"User-Agent": []string{pc.UserAgent}}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// =============================================================================
// QUOTA & OPTIONS
// =============================================================================

// buildCounter selects the visitor quota backend.
func buildCounter(qc config.QuotaConfig) (quota.Counter, error) {
	kind := quota.Kind(qc.Backend)
	var opts []quota.Option
	if qc.KeyPrefix != "" {
		opts = append(opts, quota.WithKeyPrefix(qc.KeyPrefix))
	}
	if kind == quota.KindRedis {
		opts = append(opts, quota.WithRedisClient(redis.NewClient(&redis.Options{
			Addr:     qc.RedisAddr,
			Password: qc.RedisPassword,
			DB:       qc.RedisDB,
		})))
	}
	counter, err := quota.New(kind, opts...)
	if err != nil {
		return nil, fmt.Errorf("quota: %w", err)
	}
	return counter, nil
}

// sessionOptions maps the bot section onto dispatch rules.
func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	b := cfg.Bot
	opts.Stream = b.EnableStream
	opts.DefaultPlatform = b.DefaultPlatform
	opts.DefaultMask = b.DefaultMask
	opts.DefaultModel = b.DefaultModel
	opts.VisitorPlatforms = b.VisitorPlatforms
	opts.SummarizeDocuments = b.SummarizeDocuments
	opts.TypingInterval = cfg.TypingInterval()
	if b.MaxInputBytes > 0 {
		opts.MaxInputBytes = b.MaxInputBytes
	}
	if b.MaxReplyBytes > 0 {
		opts.MaxReplyBytes = b.MaxReplyBytes
	}
	if b.EditThreshold > 0 {
		opts.EditThreshold = b.EditThreshold
	}
	return opts
}
