// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/triage/internal/util"
)

// MaxPromptBytes bounds a system prompt file.
// SECURITY: prevents loading arbitrarily large files into every request.
const MaxPromptBytes = 64 * 1024

// DefaultPromptDebounce coalesces editor save bursts.
const DefaultPromptDebounce = 250 * time.Millisecond

// ErrEmptyPrompt is returned for a blank system prompt.
var ErrEmptyPrompt = errors.New("system prompt is empty")

// LoadSystemPrompt reads and validates a system prompt file.
func LoadSystemPrompt(path string) (string, error) {
	path = util.ExpandHome(path)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("system prompt file not found: %s", path)
		}
		return "", fmt.Errorf("failed to stat system prompt: %w", err)
	}
	if info.Size() > MaxPromptBytes {
		return "", fmt.Errorf("system prompt file too large: %d bytes (max %d)", info.Size(), MaxPromptBytes)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}

	prompt := strings.TrimSpace(string(content))
	if err := ValidateSystemPrompt(prompt); err != nil {
		return "", err
	}
	return prompt, nil
}

// ValidateSystemPrompt ensures the prompt is non-empty after trimming.
func ValidateSystemPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// =============================================================================
// PROMPT SOURCE
// =============================================================================

// PromptSource provides the current system prompt. When backed by a watched
// file, edits take effect for the next generation without a restart.
type PromptSource struct {
	mu     sync.RWMutex
	prompt string
	path   string

	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// StaticPrompt returns a source that always yields text.
func StaticPrompt(text string) *PromptSource {
	return &PromptSource{prompt: strings.TrimSpace(text)}
}

// NewPromptSource builds the source described by cfg. The file, when set,
// wins over inline text.
func NewPromptSource(cfg PromptConfig) (*PromptSource, error) {
	if cfg.File == "" {
		if err := ValidateSystemPrompt(cfg.Text); err != nil {
			return nil, err
		}
		return StaticPrompt(cfg.Text), nil
	}

	prompt, err := LoadSystemPrompt(cfg.File)
	if err != nil {
		return nil, err
	}
	return &PromptSource{
		prompt:   prompt,
		path:     util.ExpandHome(cfg.File),
		debounce: DefaultPromptDebounce,
	}, nil
}

// Current returns the prompt to use for the next generation.
func (p *PromptSource) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prompt
}

// Path returns the backing file, or "" for a static prompt.
func (p *PromptSource) Path() string {
	return p.path
}

// Reload re-reads the backing file. An invalid file keeps the previous
// prompt in place.
func (p *PromptSource) Reload() error {
	if p.path == "" {
		return nil
	}
	prompt, err := LoadSystemPrompt(p.path)
	if err != nil {
		log.Printf("PROMPT_RELOAD_FAILED | path=%s error=%v", p.path, err)
		return err
	}

	p.mu.Lock()
	changed := prompt != p.prompt
	p.prompt = prompt
	p.mu.Unlock()

	if changed {
		log.Printf("PROMPT_RELOADED | path=%s bytes=%d", p.path, len(prompt))
	}
	return nil
}

// Watch reloads the prompt whenever its file changes until ctx is done.
// The directory is watched so editors that replace the file on save are
// picked up.
func (p *PromptSource) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(p.path), err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	go p.processEvents(ctx, watcher)
	return nil
}

func (p *PromptSource) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(p.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: editors often emit several events per save.
			if timer == nil {
				timer = time.NewTimer(p.debounce)
			} else {
				timer.Reset(p.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			p.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("PROMPT_WATCH_ERROR | path=%s error=%v", p.path, err)
		}
	}
}

// Close stops a running watcher.
func (p *PromptSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}
