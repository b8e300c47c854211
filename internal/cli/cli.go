// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the triage command line: the HTTP server, an
// interactive terminal chat and tools for saved chats.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/triage/internal/chat"
	"github.com/jeranaias/triage/internal/cloud"
	"github.com/jeranaias/triage/internal/config"
	"github.com/jeranaias/triage/internal/llm"
	"github.com/jeranaias/triage/internal/ollama"
	"github.com/jeranaias/triage/internal/session"
	"github.com/jeranaias/triage/internal/storage"
	"github.com/jeranaias/triage/internal/tasks"
	"github.com/jeranaias/triage/internal/util"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalOptions are the flags every command shares.
type globalOptions struct {
	configPath string
	noColor    bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "triage",
		Short: "Streaming symptom triage chat",
		Long: `triage runs a symptom triage chat backed by a hosted or local model.

Replies stream as they are generated, actions performed in the interface
are recorded for the model, and chats of signed-in users are saved.

Quick Start:
  triage serve                      # Start the HTTP API
  triage chat                       # Chat in the terminal
  triage show                       # List saved chats
  triage export <chat-id> -f md     # Export a chat`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default ~/.triage/config.toml)")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newShowCommand(opts),
		newExportCommand(opts),
		newHashTokenCommand(),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// SHARED WIRING
// =============================================================================

func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newGenerator creates the configured model provider.
func newGenerator(cfg *config.Config) (llm.Generator, error) {
	m := cfg.Model
	switch m.Provider {
	case "cloud":
		return cloud.NewClient(cloud.Config{
			BaseURL:     m.BaseURL,
			APIKey:      m.APIKey,
			Model:       m.Name,
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
			Timeout:     cfg.ModelTimeout(),
		}), nil
	case "ollama":
		return ollama.NewClient(ollama.ClientConfig{
			BaseURL:     m.BaseURL,
			Timeout:     cfg.ModelTimeout(),
			Model:       m.Name,
			Temperature: m.Temperature,
		}), nil
	case "echo":
		return llm.EchoGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", m.Provider)
	}
}

// openSink opens the configured persistence backend.
func openSink(cfg config.StorageConfig) (storage.Sink, error) {
	path := util.ExpandHome(cfg.Path)
	switch cfg.Backend {
	case "sqlite":
		db, err := storage.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "file":
		fs, err := storage.NewFileStore(path)
		if err != nil {
			return nil, err
		}
		fs.MaxChatsPerUser = cfg.MaxChatsPerUser
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// runtime is everything a chat-serving command needs.
type runtime struct {
	cfg    *config.Config
	sink   storage.Sink
	prompt *config.PromptSource
	chat   *chat.Service
}

// newRuntime builds the chat service. gate is asked for the caller's
// session whenever a chat is committed.
func newRuntime(cfg *config.Config, gate session.Gate) (*runtime, error) {
	gen, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}
	prompt, err := config.NewPromptSource(cfg.Prompt)
	if err != nil {
		return nil, err
	}
	sink, err := openSink(cfg.Storage)
	if err != nil {
		prompt.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	svc := chat.NewService(chat.Options{
		Generator:  gen,
		Prompt:     prompt,
		ModelName:  cfg.Model.Name,
		Persister:  storage.NewPersister(sink),
		Dispatcher: tasks.NewDispatcher(tasks.NewQueue(cfg.Actions.HistorySize), cfg.PhaseDelay()),
		Streams:    chat.NewStreams(cfg.StreamRetention()),

		Gate:         gate,
		ReplyTimeout: cfg.ReplyTimeout(),
	})
	return &runtime{cfg: cfg, sink: sink, prompt: prompt, chat: svc}, nil
}

// Close waits for background work, then releases storage.
func (rt *runtime) Close() {
	rt.chat.Shutdown()
	rt.prompt.Close()
	rt.sink.Close()
}

