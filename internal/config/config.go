// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relaybot configuration.
type Config struct {
	Version string `toml:"version" json:"version" yaml:"version"`

	Bot       BotConfig       `toml:"bot" json:"bot" yaml:"bot"`
	Transport TransportConfig `toml:"transport" json:"transport" yaml:"transport"`
	Quota     QuotaConfig     `toml:"quota" json:"quota" yaml:"quota"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Admin     AdminConfig     `toml:"admin" json:"admin" yaml:"admin"`

	// Masks are persona presets keyed by mask key.
	Masks map[string]model.Mask `toml:"masks" json:"masks" yaml:"masks"`

	// Platforms are upstream descriptors keyed by platform key.
	Platforms map[string]model.Descriptor `toml:"platforms" json:"platforms" yaml:"platforms"`

	// Providers derive credentials for platforms without static keys.
	Providers map[string]ProviderConfig `toml:"providers" json:"providers" yaml:"providers"`
}

// BotConfig contains the Telegram front-end and dispatch settings.
type BotConfig struct {
	TelegramToken string `toml:"telegram_token" json:"telegram_token" yaml:"telegram_token"`
	APIBase       string `toml:"api_base" json:"api_base" yaml:"api_base"`

	// Members have full access; empty admits everyone.
	Members          []int64  `toml:"members" json:"members" yaml:"members"`
	AllowVisitors    bool     `toml:"allow_visitors" json:"allow_visitors" yaml:"allow_visitors"`
	VisitorPlatforms []string `toml:"visitor_platforms" json:"visitor_platforms" yaml:"visitor_platforms"`

	EnableStream    bool   `toml:"enable_stream" json:"enable_stream" yaml:"enable_stream"`
	DefaultPlatform string `toml:"default_platform" json:"default_platform" yaml:"default_platform"`
	DefaultMask     string `toml:"default_mask" json:"default_mask" yaml:"default_mask"`
	DefaultModel    string `toml:"default_model" json:"default_model" yaml:"default_model"`

	// Region is auto, domestic or foreign.
	Region   string `toml:"region" json:"region" yaml:"region"`
	Language string `toml:"language" json:"language" yaml:"language"`

	ShopURL   string `toml:"shop_url" json:"shop_url" yaml:"shop_url"`
	PasteHost string `toml:"paste_host" json:"paste_host" yaml:"paste_host"`

	MaxInputBytes      int   `toml:"max_input_bytes" json:"max_input_bytes" yaml:"max_input_bytes"`
	MaxReplyBytes      int   `toml:"max_reply_bytes" json:"max_reply_bytes" yaml:"max_reply_bytes"`
	EditThreshold      int   `toml:"edit_threshold" json:"edit_threshold" yaml:"edit_threshold"`
	TypingIntervalSecs int   `toml:"typing_interval_secs" json:"typing_interval_secs" yaml:"typing_interval_secs"`
	SummarizeDocuments bool  `toml:"summarize_documents" json:"summarize_documents" yaml:"summarize_documents"`
	MaxDocumentBytes   int64 `toml:"max_document_bytes" json:"max_document_bytes" yaml:"max_document_bytes"`

	IdleTimeoutMins int     `toml:"idle_timeout_mins" json:"idle_timeout_mins" yaml:"idle_timeout_mins"`
	RatePerSecond   float64 `toml:"rate_per_second" json:"rate_per_second" yaml:"rate_per_second"`
	Burst           int     `toml:"burst" json:"burst" yaml:"burst"`
	PollTimeoutSecs int     `toml:"poll_timeout_secs" json:"poll_timeout_secs" yaml:"poll_timeout_secs"`
	Concurrency     int     `toml:"concurrency" json:"concurrency" yaml:"concurrency"`
}

// TransportConfig contains the outbound HTTP retry settings.
type TransportConfig struct {
	Attempts    int `toml:"attempts" json:"attempts" yaml:"attempts"`
	IntervalMs  int `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
}

// QuotaConfig contains the visitor allowance settings.
type QuotaConfig struct {
	// Backend is memory or redis.
	Backend       string `toml:"backend" json:"backend" yaml:"backend"`
	DailyLimit    int64  `toml:"daily_limit" json:"daily_limit" yaml:"daily_limit"`
	RedisAddr     string `toml:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `toml:"redis_password" json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `toml:"redis_db" json:"redis_db" yaml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix" json:"key_prefix" yaml:"key_prefix"`
}

// StorageConfig contains the on-disk locations.
type StorageConfig struct {
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// SessionDB and CredentialFile are relative to DataDir unless absolute.
	SessionDB      string `toml:"session_db" json:"session_db" yaml:"session_db"`
	CredentialFile string `toml:"credential_file" json:"credential_file" yaml:"credential_file"`

	// PersistSessions disables the session store when false.
	PersistSessions bool `toml:"persist_sessions" json:"persist_sessions" yaml:"persist_sessions"`
}

// AdminConfig contains the optional HTTP status server settings.
type AdminConfig struct {
	// Addr enables the server when set, e.g. "127.0.0.1:8787".
	Addr          string   `toml:"addr" json:"addr" yaml:"addr"`
	AuthToken     string   `toml:"auth_token" json:"auth_token" yaml:"auth_token"`
	AllowedIPs    []string `toml:"allowed_ips" json:"allowed_ips" yaml:"allowed_ips"`
	RatePerMinute int      `toml:"rate_per_minute" json:"rate_per_minute" yaml:"rate_per_minute"`
}

// ProviderConfig describes a credential provider.
type ProviderConfig struct {
	// Kind is page (scrape a key from HTML) or static.
	Kind      string `toml:"kind" json:"kind" yaml:"kind"`
	URL       string `toml:"url" json:"url" yaml:"url"`
	Pattern   string `toml:"pattern" json:"pattern" yaml:"pattern"`
	BaseURL   string `toml:"base_url" json:"base_url" yaml:"base_url"`
	APIKey    string `toml:"api_key" json:"api_key" yaml:"api_key"`
	UserAgent string `toml:"user_agent" json:"user_agent" yaml:"user_agent"`
}

// Provider kinds.
const (
	ProviderPage   = "page"
	ProviderStatic = "static"
)

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with one paid platform and one mask.
func Default() *Config {
	return &Config{
		Version: "1",
		Bot: BotConfig{
			DefaultPlatform:    "openai",
			DefaultMask:        "common",
			Region:             string(model.RegionAuto),
			Language:           "zh",
			PasteHost:          "",
			MaxInputBytes:      3500,
			MaxReplyBytes:      3500,
			EditThreshold:      100,
			TypingIntervalSecs: 4,
			MaxDocumentBytes:   5 << 20,
			IdleTimeoutMins:    30,
			RatePerSecond:      1,
			Burst:              5,
			PollTimeoutSecs:    30,
			Concurrency:        32,
		},
		Transport: TransportConfig{
			Attempts:    3,
			IntervalMs:  1000,
			TimeoutSecs: 120,
		},
		Quota: QuotaConfig{
			Backend:    "memory",
			DailyLimit: 20,
			KeyPrefix:  "quota:",
		},
		Storage: StorageConfig{
			SessionDB:       "sessions.db",
			CredentialFile:  "credentials.json",
			PersistSessions: true,
		},
		Masks: map[string]model.Mask{
			"common": {Name: "Common", DefaultModel: "gpt-3.5-turbo"},
		},
		Platforms: map[string]model.Descriptor{
			"openai": {
				Name:            "OpenAI",
				ForeignBaseURL:  "https://api.openai.com/v1",
				IndexURL:        "https://platform.openai.com",
				SupportedModels: []string{"gpt-3.5-turbo", "gpt-4o", "gpt-4o-mini", "dall-e-3", model.TranscriptionModel},
				MaxHistoryTurns: 10,
				Billing:         true,
			},
		},
		Providers: map[string]ProviderConfig{},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the relaybot configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".relaybot"), nil
}

func configPath(name string) (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) { return configPath("config.toml") }

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) { return configPath("config.json") }

// ConfigPathYAML returns the path to the YAML config file.
func ConfigPathYAML() (string, error) { return configPath("config.yaml") }

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files hold the bot token and API keys and should be 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config directory. TOML is tried first,
// then JSON, then YAML; defaults are used when none exists. Environment
// overrides are applied last.
func Load() (*Config, error) {
	loaders := []struct {
		path func() (string, error)
		load func(*Config, string) error
	}{
		{ConfigPathTOML, LoadTOML},
		{ConfigPathJSON, LoadJSON},
		{ConfigPathYAML, LoadYAML},
	}

	var loadErr error
	for _, l := range loaders {
		path, err := l.path()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg := &Config{}
		if err := l.load(cfg, path); err != nil {
			loadErr = fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
			continue
		}
		return finish(cfg)
	}

	cfg, err := finish(Default())
	if err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadFromPath loads configuration from a specific file with full
// validation. The format follows the extension; TOML is the default.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = LoadJSON(cfg, path)
	case ".yaml", ".yml":
		err = LoadYAML(cfg, path)
	default:
		err = LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

// finish applies overrides and defaults, then validates.
func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	warnPermissions(path)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file into cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadJSON(cfg *Config, path string) error {
	warnPermissions(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadYAML decodes a YAML file into cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadYAML(cfg *Config, path string) error {
	warnPermissions(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode YAML file: %w", err)
	}
	return nil
}

func warnPermissions(path string) {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg as TOML.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
// SECURITY: Written with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# relaybot configuration file\n")
	buf.WriteString("# Generated by relaybot - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as indented JSON.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrNoToken indicates serve was started without a bot token.
var ErrNoToken = errors.New("bot.telegram_token is not set (or RELAYBOT_TELEGRAM_TOKEN)")

// Validate validates the configuration and returns ValidateErrors.
// Platform keys without a built-in implementation are caught later by the
// platform registry.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// ==========================================================================
	// Bot
	// ==========================================================================

	if c.Bot.TelegramToken != "" && !strings.Contains(c.Bot.TelegramToken, ":") {
		add("bot.telegram_token", "malformed token, expected <id>:<secret>")
	}
	if c.Bot.APIBase != "" {
		if err := validateURL(c.Bot.APIBase); err != nil {
			add("bot.api_base", "%v", err)
		}
	}
	if _, ok := c.Platforms[c.Bot.DefaultPlatform]; !ok {
		add("bot.default_platform", "unknown platform '%s'", c.Bot.DefaultPlatform)
	}
	if _, ok := c.Masks[c.Bot.DefaultMask]; !ok {
		add("bot.default_mask", "unknown mask '%s'", c.Bot.DefaultMask)
	}
	for _, key := range c.Bot.VisitorPlatforms {
		if _, ok := c.Platforms[key]; !ok {
			add("bot.visitor_platforms", "unknown platform '%s'", key)
		}
	}
	switch model.Region(strings.ToLower(c.Bot.Region)) {
	case model.RegionAuto, model.RegionDomestic, model.RegionForeign:
	default:
		add("bot.region", "invalid region '%s', must be one of: auto, domestic, foreign", c.Bot.Region)
	}
	if c.Bot.PasteHost != "" {
		if err := validateURL(c.Bot.PasteHost); err != nil {
			add("bot.paste_host", "%v", err)
		}
	}
	if c.Bot.ShopURL != "" {
		if err := validateURL(c.Bot.ShopURL); err != nil {
			add("bot.shop_url", "%v", err)
		}
	}
	for field, v := range map[string]int{
		"bot.max_input_bytes":      c.Bot.MaxInputBytes,
		"bot.max_reply_bytes":      c.Bot.MaxReplyBytes,
		"bot.edit_threshold":       c.Bot.EditThreshold,
		"bot.typing_interval_secs": c.Bot.TypingIntervalSecs,
		"bot.idle_timeout_mins":    c.Bot.IdleTimeoutMins,
		"bot.burst":                c.Bot.Burst,
		"bot.poll_timeout_secs":    c.Bot.PollTimeoutSecs,
		"bot.concurrency":          c.Bot.Concurrency,
		"transport.attempts":       c.Transport.Attempts,
		"transport.interval_ms":    c.Transport.IntervalMs,
		"transport.timeout_secs":   c.Transport.TimeoutSecs,
	} {
		if v < 0 {
			add(field, "must not be negative (got %d)", v)
		}
	}
	if c.Bot.RatePerSecond < 0 {
		add("bot.rate_per_second", "must not be negative (got %g)", c.Bot.RatePerSecond)
	}
	if c.Bot.MaxReplyBytes > 4096 {
		add("bot.max_reply_bytes", "must not exceed the 4096 byte message limit (got %d)", c.Bot.MaxReplyBytes)
	}

	// ==========================================================================
	// Quota
	// ==========================================================================

	switch strings.ToLower(c.Quota.Backend) {
	case "memory":
	case "redis":
		if c.Quota.RedisAddr == "" {
			add("quota.redis_addr", "required when quota.backend is redis")
		}
	default:
		add("quota.backend", "invalid backend '%s', must be one of: memory, redis", c.Quota.Backend)
	}
	if c.Quota.DailyLimit < 0 {
		add("quota.daily_limit", "must not be negative (got %d)", c.Quota.DailyLimit)
	}

	// ==========================================================================
	// Masks
	// ==========================================================================

	for _, key := range sortedKeys(c.Masks) {
		m := c.Masks[key]
		if m.DefaultModel == "" {
			add("masks."+key+".default_model", "required")
		} else if len(m.SupportedModels) > 0 && !containsString(m.SupportedModels, m.DefaultModel) {
			add("masks."+key+".default_model", "'%s' is not in supported_models", m.DefaultModel)
		}
	}

	// ==========================================================================
	// Platforms
	// ==========================================================================

	for _, key := range sortedKeys(c.Platforms) {
		d := c.Platforms[key]
		field := "platforms." + key
		if d.DomesticBaseURL == "" && d.ForeignBaseURL == "" {
			add(field, "needs domestic_base_url or foreign_base_url")
		}
		for _, u := range []string{d.DomesticBaseURL, d.ForeignBaseURL} {
			if u == "" {
				continue
			}
			if err := validateURL(u); err != nil {
				add(field, "%v", err)
			}
		}
		if len(d.APIKeys) == 0 && d.CredentialProvider == "" {
			add(field, "needs api_keys or credential_provider")
		}
		if d.CredentialProvider != "" {
			if _, ok := c.Providers[d.CredentialProvider]; !ok {
				add(field+".credential_provider", "unknown provider '%s'", d.CredentialProvider)
			}
		}
		for _, mk := range d.SupportedMasks {
			if _, ok := c.Masks[mk]; !ok {
				add(field+".supported_masks", "unknown mask '%s'", mk)
			}
		}
		if d.MaxHistoryTurns < 0 {
			add(field+".max_history_turns", "must not be negative (got %d)", d.MaxHistoryTurns)
		}
	}

	// ==========================================================================
	// Admin
	// ==========================================================================

	if c.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			add("admin.addr", "invalid address '%s': %v", c.Admin.Addr, err)
		}
	}
	for _, entry := range c.Admin.AllowedIPs {
		if !validIPOrCIDR(entry) {
			add("admin.allowed_ips", "invalid address or CIDR '%s'", entry)
		}
	}
	if c.Admin.RatePerMinute < 0 {
		add("admin.rate_per_minute", "must not be negative (got %d)", c.Admin.RatePerMinute)
	}

	// ==========================================================================
	// Providers
	// ==========================================================================

	for _, name := range sortedKeys(c.Providers) {
		p := c.Providers[name]
		field := "providers." + name
		switch p.Kind {
		case ProviderPage:
			if err := validateURL(p.URL); err != nil {
				add(field+".url", "%v", err)
			}
			if _, err := regexp.Compile(p.Pattern); err != nil || p.Pattern == "" {
				add(field+".pattern", "invalid pattern '%s'", p.Pattern)
			}
		case ProviderStatic:
			if p.APIKey == "" {
				add(field+".api_key", "required for static providers")
			}
		default:
			add(field+".kind", "invalid kind '%s', must be one of: page, static", p.Kind)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validIPOrCIDR(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL '%s': %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL '%s': scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL '%s': missing host", raw)
	}
	return nil
}

// SetDefaults fills zero-value fields from Default. Platforms and masks
// are only defaulted when none are configured.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}

	// Bot
	if c.Bot.DefaultPlatform == "" {
		c.Bot.DefaultPlatform = d.Bot.DefaultPlatform
	}
	if c.Bot.DefaultMask == "" {
		c.Bot.DefaultMask = d.Bot.DefaultMask
	}
	if c.Bot.Region == "" {
		c.Bot.Region = d.Bot.Region
	}
	c.Bot.Region = strings.ToLower(c.Bot.Region)
	if c.Bot.Language == "" {
		c.Bot.Language = d.Bot.Language
	}
	if c.Bot.MaxInputBytes == 0 {
		c.Bot.MaxInputBytes = d.Bot.MaxInputBytes
	}
	if c.Bot.MaxReplyBytes == 0 {
		c.Bot.MaxReplyBytes = d.Bot.MaxReplyBytes
	}
	if c.Bot.EditThreshold == 0 {
		c.Bot.EditThreshold = d.Bot.EditThreshold
	}
	if c.Bot.TypingIntervalSecs == 0 {
		c.Bot.TypingIntervalSecs = d.Bot.TypingIntervalSecs
	}
	if c.Bot.MaxDocumentBytes == 0 {
		c.Bot.MaxDocumentBytes = d.Bot.MaxDocumentBytes
	}
	if c.Bot.IdleTimeoutMins == 0 {
		c.Bot.IdleTimeoutMins = d.Bot.IdleTimeoutMins
	}
	if c.Bot.RatePerSecond == 0 {
		c.Bot.RatePerSecond = d.Bot.RatePerSecond
	}
	if c.Bot.Burst == 0 {
		c.Bot.Burst = d.Bot.Burst
	}
	if c.Bot.PollTimeoutSecs == 0 {
		c.Bot.PollTimeoutSecs = d.Bot.PollTimeoutSecs
	}
	if c.Bot.Concurrency == 0 {
		c.Bot.Concurrency = d.Bot.Concurrency
	}

	// Transport
	if c.Transport.Attempts == 0 {
		c.Transport.Attempts = d.Transport.Attempts
	}
	if c.Transport.IntervalMs == 0 {
		c.Transport.IntervalMs = d.Transport.IntervalMs
	}
	if c.Transport.TimeoutSecs == 0 {
		c.Transport.TimeoutSecs = d.Transport.TimeoutSecs
	}

	// Quota
	if c.Quota.Backend == "" {
		c.Quota.Backend = d.Quota.Backend
	}
	c.Quota.Backend = strings.ToLower(c.Quota.Backend)
	if c.Quota.KeyPrefix == "" {
		c.Quota.KeyPrefix = d.Quota.KeyPrefix
	}

	// Storage
	if c.Storage.DataDir == "" {
		if dir, err := ConfigDir(); err == nil {
			c.Storage.DataDir = filepath.Join(dir, "data")
		} else {
			c.Storage.DataDir = filepath.Join(os.TempDir(), "relaybot")
		}
	}
	if c.Storage.SessionDB == "" {
		c.Storage.SessionDB = d.Storage.SessionDB
	}
	if c.Storage.CredentialFile == "" {
		c.Storage.CredentialFile = d.Storage.CredentialFile
	}

	// Catalogs
	if len(c.Masks) == 0 {
		c.Masks = d.Masks
	}
	if len(c.Platforms) == 0 {
		c.Platforms = d.Platforms
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// envPrefix prefixes every environment override.
const envPrefix = "RELAYBOT_"

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RELAYBOT_TELEGRAM_TOKEN: overrides bot.telegram_token
//   - RELAYBOT_ENABLE_STREAM: "1" or "true" enables streaming replies
//   - RELAYBOT_DEFAULT_PLATFORM: overrides bot.default_platform
//   - RELAYBOT_REDIS_ADDR: overrides quota.redis_addr and selects redis
//   - RELAYBOT_REDIS_PASSWORD: overrides quota.redis_password
//   - RELAYBOT_DATA_DIR: overrides storage.data_dir
//   - RELAYBOT_ADMIN_TOKEN: overrides admin.auth_token
//   - RELAYBOT_<PLATFORM>_API_KEY: comma-separated keys for a configured platform
func (c *Config) ApplyEnvOverrides() {
	if token := os.Getenv(envPrefix + "TELEGRAM_TOKEN"); token != "" {
		c.Bot.TelegramToken = token
	}
	if stream := os.Getenv(envPrefix + "ENABLE_STREAM"); stream != "" {
		c.Bot.EnableStream = parseBool(stream)
	}
	if key := os.Getenv(envPrefix + "DEFAULT_PLATFORM"); key != "" {
		c.Bot.DefaultPlatform = key
	}
	if addr := os.Getenv(envPrefix + "REDIS_ADDR"); addr != "" {
		c.Quota.RedisAddr = addr
		c.Quota.Backend = "redis"
	}
	if pw := os.Getenv(envPrefix + "REDIS_PASSWORD"); pw != "" {
		c.Quota.RedisPassword = pw
	}
	if dir := os.Getenv(envPrefix + "DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if token := os.Getenv(envPrefix + "ADMIN_TOKEN"); token != "" {
		c.Admin.AuthToken = token
	}

	for key, d := range c.Platforms {
		name := envPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key)) + "_API_KEY"
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		var keys []string
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		d.APIKeys = keys
		c.Platforms[key] = d
	}
}

func parseBool(s string) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return strings.EqualFold(s, "yes")
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// Descriptors returns the platform descriptors with their keys set, in key
// order.
func (c *Config) Descriptors() []model.Descriptor {
	out := make([]model.Descriptor, 0, len(c.Platforms))
	for _, key := range sortedKeys(c.Platforms) {
		d := c.Platforms[key]
		d.Key = key
		out = append(out, d)
	}
	return out
}

// DataPath resolves name against the data directory.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Storage.DataDir, name)
}

// TypingInterval is the spacing of typing indicators.
func (c *Config) TypingInterval() time.Duration {
	return time.Duration(c.Bot.TypingIntervalSecs) * time.Second
}

// IdleTimeout is how long an untouched session stays in memory.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Bot.IdleTimeoutMins) * time.Minute
}

// RetryInterval is the pause between transport attempts.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Transport.IntervalMs) * time.Millisecond
}

// RequestTimeout bounds one upstream HTTP exchange.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Transport.TimeoutSecs) * time.Second
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Bot.Members = append([]int64(nil), c.Bot.Members...)
	clone.Bot.VisitorPlatforms = append([]string(nil), c.Bot.VisitorPlatforms...)
	clone.Admin.AllowedIPs = append([]string(nil), c.Admin.AllowedIPs...)

	clone.Masks = make(map[string]model.Mask, len(c.Masks))
	for k, v := range c.Masks {
		v.SupportedModels = append([]string(nil), v.SupportedModels...)
		clone.Masks[k] = v
	}
	clone.Platforms = make(map[string]model.Descriptor, len(c.Platforms))
	for k, v := range c.Platforms {
		v.APIKeys = append([]string(nil), v.APIKeys...)
		v.SupportedModels = append([]string(nil), v.SupportedModels...)
		v.SupportedMasks = append([]string(nil), v.SupportedMasks...)
		if v.MaskModels != nil {
			mm := make(map[string][]string, len(v.MaskModels))
			for mk, models := range v.MaskModels {
				mm[mk] = append([]string(nil), models...)
			}
			v.MaskModels = mm
		}
		clone.Platforms[k] = v
	}
	clone.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for k, v := range c.Providers {
		clone.Providers[k] = v
	}
	return &clone
}

// String returns a string representation of the config for debugging.
// SECURITY: Redacts the bot token, API keys and passwords.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Bot.TelegramToken != "" {
		safe.Bot.TelegramToken = "[REDACTED]"
	}
	if safe.Admin.AuthToken != "" {
		safe.Admin.AuthToken = "[REDACTED]"
	}
	if safe.Quota.RedisPassword != "" {
		safe.Quota.RedisPassword = "[REDACTED]"
	}
	for k, d := range safe.Platforms {
		for i := range d.APIKeys {
			d.APIKeys[i] = "[REDACTED]"
		}
		safe.Platforms[k] = d
	}
	for k, p := range safe.Providers {
		if p.APIKey != "" {
			p.APIKey = "[REDACTED]"
		}
		safe.Providers[k] = p
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance, loading it on first
// access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		}
		if cfg == nil {
			cfg = Default()
			cfg.SetDefaults()
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state between tests.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
