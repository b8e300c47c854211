// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for triage.
//
// Configuration is read from TOML, filled with defaults, overridden by
// TRIAGE_* environment variables and validated.
//
// Configuration file location (in order of precedence):
//   - the --config flag
//   - ~/.triage/config.toml
//   - Built-in defaults
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete triage configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Model   ModelConfig   `toml:"model"`
	Prompt  PromptConfig  `toml:"prompt"`
	Storage StorageConfig `toml:"storage"`
	Actions ActionsConfig `toml:"actions"`
	Auth    AuthConfig    `toml:"auth"`
	CLI     CLIConfig     `toml:"cli"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address (default: 127.0.0.1:8787)
	Addr string `toml:"addr"`

	// AllowedOrigins enables CORS for these origins ("*" allows any)
	AllowedOrigins []string `toml:"allowed_origins"`

	// TrustedProxies whose X-Forwarded-For is honored
	TrustedProxies []string `toml:"trusted_proxies"`

	// RateLimitRPS is the sustained per-client request rate (0 disables)
	RateLimitRPS float64 `toml:"rate_limit_rps"`

	// RateLimitBurst is the per-client burst size
	RateLimitBurst int `toml:"rate_limit_burst"`

	// StreamRetentionSecs keeps finished streams readable this long
	StreamRetentionSecs int `toml:"stream_retention_secs"`

	// ChatIdleSecs drops in-memory chats untouched this long
	ChatIdleSecs int `toml:"chat_idle_secs"`
}

// ModelConfig selects and configures the model provider.
type ModelConfig struct {
	// Provider is one of: cloud, ollama, echo
	Provider string `toml:"provider"`

	// BaseURL of the provider API (empty = the provider's default)
	BaseURL string `toml:"base_url"`

	// APIKey for the cloud provider. Prefer TRIAGE_API_KEY.
	APIKey string `toml:"api_key"`

	// Name is the hosted model identifier
	Name string `toml:"name"`

	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`

	// TimeoutSecs bounds health checks
	TimeoutSecs int `toml:"timeout_secs"`

	// ReplyTimeoutSecs bounds one streamed reply (0 disables)
	ReplyTimeoutSecs int `toml:"reply_timeout_secs"`
}

// PromptConfig sets the system prompt.
type PromptConfig struct {
	// Text is the inline prompt, used when File is empty
	Text string `toml:"text"`

	// File holds the prompt; it is reloaded when it changes if Watch is set
	File  string `toml:"file"`
	Watch bool   `toml:"watch"`
}

// StorageConfig selects the persistence sink.
type StorageConfig struct {
	// Backend is one of: sqlite, file
	Backend string `toml:"backend"`

	// Path is the database file (sqlite) or directory (file)
	Path string `toml:"path"`

	// MaxChatsPerUser limits the file backend (0 = unlimited)
	MaxChatsPerUser int `toml:"max_chats_per_user"`
}

// ActionsConfig configures the action dispatcher.
type ActionsConfig struct {
	// PhaseDelayMs is the pause between action phases
	PhaseDelayMs int `toml:"phase_delay_ms"`

	// HistorySize is how many finished actions stay queryable
	HistorySize int `toml:"history_size"`
}

// AuthConfig configures the session gate.
type AuthConfig struct {
	SessionTimeoutSecs int          `toml:"session_timeout_secs"`
	Users              []UserConfig `toml:"users"`
}

// UserConfig is one user allowed to log in.
type UserConfig struct {
	ID string `toml:"id"`

	// TokenHash is a bcrypt hash; generate it with `triage hash-token`
	TokenHash string `toml:"token_hash"`
}

// CLIConfig configures the terminal client.
type CLIConfig struct {
	// UserID chats in the terminal are saved under (empty = not saved)
	UserID string `toml:"user_id"`

	// Theme is one of: auto, dark, light, notty
	Theme string `toml:"theme"`
}

// Provider endpoints used when model.base_url is empty.
const (
	DefaultCloudURL  = "https://api.openai.com/v1"
	DefaultOllamaURL = "http://127.0.0.1:11434"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are a symptom triage assistant. Ask short, focused questions about the user's symptoms, their duration and severity. Suggest sensible self-care when appropriate and clearly recommend urgent care or emergency services when red-flag symptoms are described. You do not diagnose. Messages in brackets describe actions the user performed in the interface; take them into account.`

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                "127.0.0.1:8787",
			RateLimitRPS:        5,
			RateLimitBurst:      20,
			StreamRetentionSecs: 600,
			ChatIdleSecs:        1800,
		},
		Model: ModelConfig{
			Provider:         "cloud",
			Name:             "gpt-3.5-turbo",
			Temperature:      0.2,
			TimeoutSecs:      10,
			ReplyTimeoutSecs: 120,
		},
		Prompt: PromptConfig{
			Text: DefaultSystemPrompt,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "~/.triage/chats.db",
		},
		Actions: ActionsConfig{
			PhaseDelayMs: 1000,
			HistorySize:  100,
		},
		Auth: AuthConfig{
			SessionTimeoutSecs: 1800,
		},
		CLI: CLIConfig{
			Theme: "auto",
		},
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// PhaseDelay returns the action phase delay.
func (c *Config) PhaseDelay() time.Duration {
	return time.Duration(c.Actions.PhaseDelayMs) * time.Millisecond
}

// SessionTimeout returns the idle session timeout.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Auth.SessionTimeoutSecs) * time.Second
}

// ModelTimeout returns the provider health-check timeout.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Model.TimeoutSecs) * time.Second
}

// ReplyTimeout returns the bound on one streamed reply.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.Model.ReplyTimeoutSecs) * time.Second
}

// ChatIdle returns how long untouched chats stay in memory.
func (c *Config) ChatIdle() time.Duration {
	return time.Duration(c.Server.ChatIdleSecs) * time.Second
}

// StreamRetention returns how long finished streams stay readable.
func (c *Config) StreamRetention() time.Duration {
	return time.Duration(c.Server.StreamRetentionSecs) * time.Second
}

// UserHashes returns the configured users as id -> bcrypt hash.
func (c *Config) UserHashes() map[string]string {
	out := make(map[string]string, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		out[u.ID] = u.TokenHash
	}
	return out
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the triage configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".triage"), nil
}

// DefaultPath returns the path to the TOML config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
// SECURITY: Config files can hold API keys and token hashes.
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

// Load reads the config at path, or the default location when path is
// empty. A missing default file yields the built-in defaults; a missing
// explicit file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return nil
}

// fillDefaults fills in any zero values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = defaults.Server.RateLimitBurst
	}
	if cfg.Server.StreamRetentionSecs == 0 {
		cfg.Server.StreamRetentionSecs = defaults.Server.StreamRetentionSecs
	}
	if cfg.Server.ChatIdleSecs == 0 {
		cfg.Server.ChatIdleSecs = defaults.Server.ChatIdleSecs
	}

	if cfg.Model.Provider == "" {
		cfg.Model.Provider = defaults.Model.Provider
	}
	if cfg.Model.TimeoutSecs == 0 {
		cfg.Model.TimeoutSecs = defaults.Model.TimeoutSecs
	}
	if cfg.Model.BaseURL == "" {
		switch cfg.Model.Provider {
		case "ollama":
			cfg.Model.BaseURL = DefaultOllamaURL
		case "cloud":
			cfg.Model.BaseURL = DefaultCloudURL
		}
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = defaults.Model.Name
	}

	if cfg.Prompt.Text == "" && cfg.Prompt.File == "" {
		cfg.Prompt.Text = defaults.Prompt.Text
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.Path == "" {
		if cfg.Storage.Backend == "file" {
			cfg.Storage.Path = "~/.triage/chats"
		} else {
			cfg.Storage.Path = defaults.Storage.Path
		}
	}

	if cfg.Actions.HistorySize == 0 {
		cfg.Actions.HistorySize = defaults.Actions.HistorySize
	}
	if cfg.Auth.SessionTimeoutSecs == 0 {
		cfg.Auth.SessionTimeoutSecs = defaults.Auth.SessionTimeoutSecs
	}
	if cfg.CLI.Theme == "" {
		cfg.CLI.Theme = defaults.CLI.Theme
	}
}

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - TRIAGE_ADDR: overrides server.addr
//   - TRIAGE_MODEL_PROVIDER: overrides model.provider
//   - TRIAGE_MODEL: overrides model.name
//   - TRIAGE_MODEL_URL: overrides model.base_url
//   - TRIAGE_API_KEY (or OPENAI_API_KEY): overrides model.api_key
//   - TRIAGE_PROMPT_FILE: overrides prompt.file
//   - TRIAGE_STORAGE: overrides storage.backend
//   - TRIAGE_STORAGE_PATH: overrides storage.path
//   - TRIAGE_PHASE_DELAY_MS: overrides actions.phase_delay_ms
//   - TRIAGE_USER: overrides cli.user_id
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TRIAGE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TRIAGE_MODEL_PROVIDER"); v != "" {
		c.Model.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("TRIAGE_MODEL"); v != "" {
		c.Model.Name = v
	}
	if v := os.Getenv("TRIAGE_MODEL_URL"); v != "" {
		c.Model.BaseURL = v
	}
	if v := os.Getenv("TRIAGE_API_KEY"); v != "" {
		c.Model.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Model.APIKey == "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("TRIAGE_PROMPT_FILE"); v != "" {
		c.Prompt.File = v
	}
	if v := os.Getenv("TRIAGE_STORAGE"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TRIAGE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TRIAGE_PHASE_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Actions.PhaseDelayMs = ms
		}
	}
	if v := os.Getenv("TRIAGE_USER"); v != "" {
		c.CLI.UserID = v
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration to path.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# triage configuration file")
	fmt.Fprintln(file, "# Generated by triage - edit with care")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
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

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "invalid listen address '%s'", c.Server.Addr)
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must not be negative")
	}
	if c.Server.RateLimitBurst < 0 {
		add("server.rate_limit_burst", "must not be negative")
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				add("server.trusted_proxies", "'%s' is not an IP or CIDR", p)
			}
		}
	}

	switch c.Model.Provider {
	case "cloud", "ollama":
		if c.Model.BaseURL != "" {
			u, err := url.Parse(c.Model.BaseURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				add("model.base_url", "invalid URL '%s'", c.Model.BaseURL)
			}
		}
	case "echo":
	default:
		add("model.provider", "invalid provider '%s', must be one of: cloud, ollama, echo", c.Model.Provider)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		add("model.temperature", "must be between 0 and 2")
	}
	if c.Model.MaxTokens < 0 {
		add("model.max_tokens", "must not be negative")
	}
	if c.Model.ReplyTimeoutSecs < 0 {
		add("model.reply_timeout_secs", "must not be negative")
	}
	if c.Server.ChatIdleSecs < 0 {
		add("server.chat_idle_secs", "must not be negative")
	}

	if c.Prompt.File == "" && strings.TrimSpace(c.Prompt.Text) == "" {
		add("prompt", "either text or file must be set")
	}

	switch c.Storage.Backend {
	case "sqlite", "file":
	default:
		add("storage.backend", "invalid backend '%s', must be one of: sqlite, file", c.Storage.Backend)
	}

	if c.Actions.PhaseDelayMs < 0 {
		add("actions.phase_delay_ms", "must not be negative")
	}
	if c.Actions.HistorySize < 1 {
		add("actions.history_size", "must be at least 1")
	}

	if c.Auth.SessionTimeoutSecs < 60 {
		add("auth.session_timeout_secs", "must be at least 60")
	}
	seen := map[string]bool{}
	for i, u := range c.Auth.Users {
		field := fmt.Sprintf("auth.users[%d]", i)
		if u.ID == "" {
			add(field, "id is required")
		}
		if seen[u.ID] {
			add(field, "duplicate user id '%s'", u.ID)
		}
		seen[u.ID] = true
		if !strings.HasPrefix(u.TokenHash, "$2") {
			add(field, "token_hash must be a bcrypt hash")
		}
	}

	switch c.CLI.Theme {
	case "auto", "dark", "light", "notty":
	default:
		add("cli.theme", "invalid theme '%s', must be one of: auto, dark, light, notty", c.CLI.Theme)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
