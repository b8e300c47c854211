// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TRIAGE_ADDR", "TRIAGE_MODEL_PROVIDER", "TRIAGE_MODEL", "TRIAGE_MODEL_URL",
		"TRIAGE_API_KEY", "OPENAI_API_KEY", "TRIAGE_PROMPT_FILE", "TRIAGE_STORAGE",
		"TRIAGE_STORAGE_PATH", "TRIAGE_PHASE_DELAY_MS", "TRIAGE_USER",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.PhaseDelay())
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout())
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_TOMLAndDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[model]
provider = "ollama"
name = "triage-7b"

[storage]
backend = "file"

[actions]
phase_delay_ms = 10

[[auth.users]]
id = "alice"
token_hash = "$2a$10$abcdefghijklmnopqrstuv"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.Model.Provider)
	assert.Equal(t, "http://127.0.0.1:11434", cfg.Model.BaseURL)
	assert.Equal(t, "triage-7b", cfg.Model.Name)
	assert.Equal(t, "~/.triage/chats", cfg.Storage.Path)
	assert.Equal(t, 10*time.Millisecond, cfg.PhaseDelay())
	assert.Equal(t, map[string]string{"alice": "$2a$10$abcdefghijklmnopqrstuv"}, cfg.UserHashes())
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.ReplyTimeout())
	assert.Equal(t, 30*time.Minute, cfg.ChatIdle())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestApplyEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRIAGE_ADDR", "0.0.0.0:9000")
	t.Setenv("TRIAGE_MODEL_PROVIDER", "ECHO")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	t.Setenv("TRIAGE_PHASE_DELAY_MS", "5")
	t.Setenv("TRIAGE_USER", "bob")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "echo", cfg.Model.Provider)
	assert.Equal(t, "sk-fallback", cfg.Model.APIKey)
	assert.Equal(t, 5, cfg.Actions.PhaseDelayMs)
	assert.Equal(t, "bob", cfg.CLI.UserID)

	t.Setenv("TRIAGE_API_KEY", "sk-primary")
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "sk-primary", cfg.Model.APIKey)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = "nope"
	cfg.Model.Provider = "carrier-pigeon"
	cfg.Storage.Backend = "tape"
	cfg.Actions.PhaseDelayMs = -1
	cfg.Model.ReplyTimeoutSecs = -5
	cfg.Auth.Users = []UserConfig{{ID: "a", TokenHash: "plaintext"}}

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	assert.Contains(t, fields, "server.addr")
	assert.Contains(t, fields, "model.provider")
	assert.Contains(t, fields, "storage.backend")
	assert.Contains(t, fields, "actions.phase_delay_ms")
	assert.Contains(t, fields, "model.reply_timeout_secs")
	assert.Contains(t, fields, "auth.users[0]")
	assert.Contains(t, err.Error(), "; ")
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Model.Provider = "echo"
	cfg.CLI.UserID = "carol"
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "echo", loaded.Model.Provider)
	assert.Equal(t, "carol", loaded.CLI.UserID)
}

// =============================================================================
// PROMPT TESTS
// =============================================================================

func TestLoadSystemPrompt(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSystemPrompt(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)

	blank := filepath.Join(dir, "blank.txt")
	require.NoError(t, os.WriteFile(blank, []byte("  \n\t"), 0600))
	_, err = LoadSystemPrompt(blank)
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	good := filepath.Join(dir, "prompt.txt")
	require.NoError(t, os.WriteFile(good, []byte("  Be brief.\n"), 0600))
	prompt, err := LoadSystemPrompt(good)
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", prompt)
}

func TestNewPromptSource_Inline(t *testing.T) {
	src, err := NewPromptSource(PromptConfig{Text: "Ask about symptoms."})
	require.NoError(t, err)
	assert.Equal(t, "Ask about symptoms.", src.Current())
	assert.Empty(t, src.Path())
	assert.NoError(t, src.Reload())

	_, err = NewPromptSource(PromptConfig{Text: " "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestPromptSource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0600))

	src, err := NewPromptSource(PromptConfig{File: path})
	require.NoError(t, err)
	assert.Equal(t, "first", src.Current())

	require.NoError(t, os.WriteFile(path, []byte(""), 0600))
	assert.Error(t, src.Reload())
	assert.Equal(t, "first", src.Current())

	require.NoError(t, os.WriteFile(path, []byte("second"), 0600))
	require.NoError(t, src.Reload())
	assert.Equal(t, "second", src.Current())
}

func TestPromptSource_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0600))

	src, err := NewPromptSource(PromptConfig{File: path, Watch: true})
	require.NoError(t, err)
	src.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("after"), 0600))
	assert.Eventually(t, func() bool {
		return src.Current() == "after"
	}, 5*time.Second, 20*time.Millisecond)
}
