// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/triage/internal/config"
	"github.com/jeranaias/triage/internal/storage"
	"github.com/jeranaias/triage/internal/ui"
	"github.com/jeranaias/triage/internal/util"
)

// errNoUser is returned by commands on saved chats without a user.
var errNoUser = errors.New("no user: pass --user or set cli.user_id")

// savedChats opens storage for commands that only read saved chats.
type savedChats struct {
	cfg  *config.Config
	sink storage.Sink
	user string
}

func openSavedChats(opts *globalOptions, user string) (*savedChats, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = cfg.CLI.UserID
	}
	if user == "" {
		return nil, errNoUser
	}
	sink, err := openSink(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return &savedChats{cfg: cfg, sink: sink, user: user}, nil
}

func (s *savedChats) get(cmd *cobra.Command, idOrPrefix string) (storage.Chat, error) {
	chats, err := s.sink.ListChats(cmd.Context(), s.user)
	if err != nil {
		return storage.Chat{}, err
	}
	id, err := resolveChatID(chats, idOrPrefix)
	if err != nil {
		return storage.Chat{}, err
	}
	return s.sink.GetChat(cmd.Context(), s.user, id)
}

// =============================================================================
// SHOW
// =============================================================================

func newShowCommand(opts *globalOptions) *cobra.Command {
	var (
		user       string
		withSystem bool
	)

	cmd := &cobra.Command{
		Use:   "show [chat-id]",
		Short: "List saved chats or show one",
		Long: `Without arguments, list the user's saved chats, newest first.
With a chat ID (or a unique prefix of one), print that chat the way the
chat view shows it. --system also prints the recorded actions.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			saved, err := openSavedChats(opts, user)
			if err != nil {
				return err
			}
			defer saved.sink.Close()

			render := newTerminalRenderer(saved.cfg.CLI.Theme, opts.noColor)
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				chats, err := saved.sink.ListChats(cmd.Context(), saved.user)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, render.RenderChatList(chatRows(chats)))
				return nil
			}

			record, err := saved.get(cmd, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, render.Muted(fmt.Sprintf("%s | %s | %s",
				util.SingleLine(record.Title), record.ID, record.UpdatedAt.Local().Format("2006-01-02 15:04"))))
			fmt.Fprintln(out)
			if withSystem {
				fmt.Fprintln(out, render.RenderTranscript(record.Conversation()))
			} else {
				fmt.Fprintln(out, render.RenderState(ui.Project(record.Conversation())))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User whose chats to read (overrides cli.user_id)")
	cmd.Flags().BoolVar(&withSystem, "system", false, "Include recorded actions")
	return cmd
}

// =============================================================================
// EXPORT
// =============================================================================

func newExportCommand(opts *globalOptions) *cobra.Command {
	var (
		user   string
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <chat-id>",
		Short: "Export a saved chat",
		Long: `Export a saved chat as json, yaml or md (Markdown).

The chat ID may be a unique prefix. Output goes to stdout unless --output
names a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := storage.NewExporter(format)
			if err != nil {
				return err
			}

			saved, err := openSavedChats(opts, user)
			if err != nil {
				return err
			}
			defer saved.sink.Close()

			record, err := saved.get(cmd, args[0])
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				return exporter.Export(record, cmd.OutOrStdout())
			}
			return writeExport(output, func(w io.Writer) error {
				return exporter.Export(record, w)
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User whose chat to export (overrides cli.user_id)")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Export format: json, yaml, md")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

// writeExport creates path owner-only and writes through fn.
// SECURITY: exported chats hold health information.
func writeExport(path string, fn func(io.Writer) error) error {
	f, err := os.OpenFile(util.ExpandHome(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
