// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/triage/internal/chat"
	"github.com/jeranaias/triage/internal/config"
	"github.com/jeranaias/triage/internal/model"
	"github.com/jeranaias/triage/internal/session"
	"github.com/jeranaias/triage/internal/storage"
	"github.com/jeranaias/triage/internal/tasks"
	"github.com/jeranaias/triage/internal/ui"
)

const chatHelp = `Commands:
  /action <name> [json]   Perform an action, e.g. /action check vitals {"bp":"120/80"}
  /history                Show the conversation
  /list                   List saved chats
  /open <id>              Resume a saved chat (an ID prefix is enough)
  /new                    Start a new chat
  /help                   Show this help
  /quit                   Exit`

func newChatCommand(opts *globalOptions) *cobra.Command {
	var (
		user       string
		resume     string
		fullScreen bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		Long: `Start an interactive triage chat in the terminal.

Chats are saved under the user from --user or cli.user_id. Without a user
the chat is kept in memory only. --tui opens a full-screen view that
redraws the chat as replies stream.

` + chatHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if user == "" {
				user = cfg.CLI.UserID
			}

			caller := callerFor(user)
			rt, err := newRuntime(cfg, session.StaticGate(caller))
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if fullScreen {
				var sess *chat.Session
				if resume != "" {
					if sess, err = openChat(ctx, rt.chat, caller, resume); err != nil {
						return err
					}
				}
				return runTUI(ctx, rt.chat, caller, sess, terminalTheme(cfg.CLI.Theme, opts.noColor))
			}

			input := NewChatCLI()
			defer input.Close()

			r := &repl{
				svc:    rt.chat,
				caller: caller,
				render: newTerminalRenderer(cfg.CLI.Theme, opts.noColor),
				in:     input,
				out:    cmd.OutOrStdout(),
			}
			if resume != "" {
				if err := r.open(ctx, resume); err != nil {
					return err
				}
			}
			return r.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Save chats under this user (overrides cli.user_id)")
	cmd.Flags().StringVarP(&resume, "resume", "r", "", "Resume a saved chat by ID or prefix")
	cmd.Flags().BoolVar(&fullScreen, "tui", false, "Use the full-screen chat view")
	return cmd
}

// callerFor returns the identity terminal chats run as.
func callerFor(userID string) session.Result {
	if userID == "" {
		return session.Anonymous()
	}
	return session.Authenticated(userID, "terminal")
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadInput(prompt string) (string, error)
}

// ChatCLI provides input history and line editing for interactive chat.
// USABILITY: Supports arrow keys for history navigation and line editing.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a new ChatCLI with input history support.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history to file with secure permissions.
// SECURITY: symptoms are sensitive; the history file is owner-only (0600).
func (c *ChatCLI) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

type repl struct {
	svc    *chat.Service
	caller session.Result
	sess   *chat.Session
	render *ui.Renderer
	in     lineReader
	out    io.Writer
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) run(ctx context.Context) error {
	if r.sess == nil {
		r.sess = r.svc.NewChat(r.caller)
	}
	r.banner()

	for {
		input, err := r.in.ReadInput("you> ")
		if err != nil {
			// Ctrl+C, Ctrl+D and closed input all end the session.
			r.printf("\n")
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			cont, err := r.command(ctx, input)
			if err != nil {
				r.printf("%s\n", r.render.Error(err))
			}
			if !cont {
				return nil
			}
			continue
		}

		if err := r.send(ctx, input); err != nil {
			r.printf("%s\n", r.render.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) banner() {
	who := "not signed in, this chat will not be saved"
	if r.caller.IsAuthenticated() {
		who = "saving as " + r.caller.UserID()
	}
	r.printf("%s\n", r.render.Muted(fmt.Sprintf("triage %s | %s | chat %s | /help for commands", Version, who, r.sess.ChatID())))
}

// command handles a slash command. It returns false when the REPL should
// exit.
func (r *repl) command(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		return false, nil
	case "help", "?":
		r.printf("%s\n", chatHelp)
	case "new":
		r.sess = r.svc.NewChat(r.caller)
		r.banner()
	case "history":
		view := r.sess.View()
		if len(view) == 0 {
			r.printf("%s\n", r.render.Muted("No messages yet."))
		} else {
			r.printf("%s\n", r.render.RenderState(view))
		}
	case "list":
		return true, r.list(ctx)
	case "open":
		if arg == "" {
			return true, errors.New("usage: /open <chat-id>")
		}
		if err := r.open(ctx, arg); err != nil {
			return true, err
		}
		r.printf("%s\n", r.render.RenderState(r.sess.View()))
	case "action":
		action, details, err := tasks.ParseCommand(arg)
		if err != nil {
			return true, err
		}
		return true, r.dispatch(ctx, action, details)
	default:
		return true, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return true, nil
}

// send submits a message and prints the reply as it streams.
func (r *repl) send(ctx context.Context, text string) error {
	sub, err := r.svc.Submit(ctx, r.sess, text)
	if err != nil {
		return err
	}

	r.printf("%s\n", r.render.Label(model.RoleAssistant))
	for ev := range sub.Reply.Follow(ctx) {
		switch ev.Type {
		case model.EventDelta:
			r.printf("%s", ev.Delta)
		case model.EventDone:
			r.printf("\n\n")
		case model.EventError:
			r.printf("\n")
			return ev.Err
		}
	}
	// The reply is appended after its stream closes; wait so the next
	// message lands after it.
	r.svc.Wait()
	return nil
}

// dispatch runs an action and prints each phase as it is reached.
func (r *repl) dispatch(ctx context.Context, action string, details json.RawMessage) error {
	d, err := r.svc.Dispatch(ctx, r.sess, action, details)
	if err != nil {
		return err
	}

	r.printf("%s\n", r.render.Muted("action: "+d.Task.Action))
	for ev := range d.Status.Follow(ctx) {
		if ev.Type != model.EventDelta {
			continue
		}
		for _, line := range strings.Split(ev.Delta, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				r.printf("%s\n", r.render.Phase(line, line == tasks.PhaseDone.String()))
			}
		}
	}
	r.svc.Wait()
	r.printf("%s\n\n", r.render.Muted("Recorded for the assistant."))
	return nil
}

func (r *repl) list(ctx context.Context) error {
	chats, err := r.svc.List(ctx, r.caller)
	if err != nil {
		return err
	}
	r.printf("%s\n", r.render.RenderChatList(chatRows(chats)))
	return nil
}

func (r *repl) open(ctx context.Context, idOrPrefix string) error {
	sess, err := openChat(ctx, r.svc, r.caller, idOrPrefix)
	if err != nil {
		return err
	}
	r.sess = sess
	return nil
}

// openChat resumes the caller's saved chat with the given ID or prefix.
func openChat(ctx context.Context, svc *chat.Service, caller session.Result, idOrPrefix string) (*chat.Session, error) {
	if !caller.IsAuthenticated() {
		return nil, chat.ErrUnauthenticated
	}
	chats, err := svc.List(ctx, caller)
	if err != nil {
		return nil, err
	}
	id, err := resolveChatID(chats, idOrPrefix)
	if err != nil {
		return nil, err
	}
	return svc.Open(ctx, caller, id)
}

// =============================================================================
// HELPERS
// =============================================================================

// resolveChatID finds the one chat whose ID equals or starts with
// idOrPrefix.
func resolveChatID(chats []storage.ChatMeta, idOrPrefix string) (string, error) {
	var matches []string
	for _, c := range chats {
		if c.ID == idOrPrefix {
			return c.ID, nil
		}
		if strings.HasPrefix(c.ID, idOrPrefix) {
			matches = append(matches, c.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", storage.ErrChatNotFound
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("chat ID %q is ambiguous (%d matches)", idOrPrefix, len(matches))
	}
}

func chatRows(chats []storage.ChatMeta) []ui.ChatRow {
	rows := make([]ui.ChatRow, 0, len(chats))
	for _, c := range chats {
		rows = append(rows, ui.ChatRow{
			ID:        c.ID,
			Title:     c.Title,
			UpdatedAt: c.UpdatedAt,
			Messages:  c.MessageCount,
		})
	}
	return rows
}
