// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/triage/internal/chat"
	"github.com/jeranaias/triage/internal/model"
	"github.com/jeranaias/triage/internal/session"
	"github.com/jeranaias/triage/internal/tasks"
	"github.com/jeranaias/triage/internal/ui"
	"github.com/jeranaias/triage/internal/ui/styles"
)

// =============================================================================
// MESSAGES
// =============================================================================

// streamKind says which stream a followed event belongs to.
type streamKind int

const (
	kindReply streamKind = iota
	kindAction
)

// streamEventMsg carries one event of a followed stream.
type streamEventMsg struct {
	kind  streamKind
	event model.StreamEvent
	ch    <-chan model.StreamEvent
}

// streamEndMsg reports that a followed stream has no more events.
type streamEndMsg struct {
	kind streamKind
}

// settledMsg is sent once everything in flight has been committed.
type settledMsg struct{}

// followCmd waits for the next event on ch.
func followCmd(kind streamKind, ch <-chan model.StreamEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamEndMsg{kind: kind}
		}
		return streamEventMsg{kind: kind, event: ev, ch: ch}
	}
}

// settleCmd waits for background commits so the next redraw shows the
// stored reply rather than its stream.
func settleCmd(svc *chat.Service) tea.Cmd {
	return func() tea.Msg {
		svc.Wait()
		return settledMsg{}
	}
}

// =============================================================================
// MODEL
// =============================================================================

// tuiModel is the full-screen terminal chat. It redraws the chat's
// projection on every stream event.
type tuiModel struct {
	ctx    context.Context
	svc    *chat.Service
	caller session.Result
	sess   *chat.Session

	theme  *styles.Theme
	render *ui.Renderer

	viewport viewport.Model
	input    textinput.Model

	width  int
	height int

	// phases lists the phase lines of the running action
	phases []string
	status string
	err    error

	replying bool
	acting   bool
	quitting bool
}

func newTUIModel(ctx context.Context, svc *chat.Service, caller session.Result, sess *chat.Session, theme *styles.Theme) tuiModel {
	if sess == nil {
		sess = svc.NewChat(caller)
	}

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Describe your symptoms, or /help"
	ti.CharLimit = chat.DefaultMaxMessageRunes
	ti.Focus()

	m := tuiModel{
		ctx:      ctx,
		svc:      svc,
		caller:   caller,
		sess:     sess,
		theme:    theme,
		render:   ui.NewRenderer(theme, ui.DefaultWidth),
		viewport: viewport.New(ui.DefaultWidth, 20),
		input:    ti,
		width:    ui.DefaultWidth,
		status:   "/help for commands",
	}
	m.refresh()
	return m
}

func (m tuiModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles one message.
func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case streamEventMsg:
		return m.handleStreamEvent(msg)

	case streamEndMsg:
		m.finish(msg.kind)
		m.refresh()
		return m, settleCmd(m.svc)

	case settledMsg:
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m tuiModel) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	// Layout: header + rule + viewport + rule + input + status
	const (
		headerHeight = 2
		inputHeight  = 2
		statusHeight = 1
	)
	vpHeight := m.height - headerHeight - inputHeight - statusHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	vpWidth := m.width
	if vpWidth < 1 {
		vpWidth = 1
	}
	m.viewport.Width = vpWidth
	m.viewport.Height = vpHeight

	const promptLen = 2 // "> "
	inputWidth := m.width - promptLen - 1
	if inputWidth < 10 {
		inputWidth = 10
	}
	m.input.Width = inputWidth

	// Markdown wraps at the renderer's width.
	m.render = ui.NewRenderer(m.theme, vpWidth)
	m.refresh()
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit

	case "pgup":
		m.viewport.HalfViewUp()
		return m, nil

	case "pgdown":
		m.viewport.HalfViewDown()
		return m, nil

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		m.err = nil
		if strings.HasPrefix(text, "/") {
			return m.command(text)
		}
		return m.send(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// command handles a slash command.
func (m tuiModel) command(input string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		m.quitting = true
		return m, tea.Quit
	case "help", "?":
		m.status = "/action <name> [json] | /new | /quit | pgup/pgdown scroll"
	case "new":
		if m.busy() {
			m.err = errors.New("wait for the reply to finish")
			return m, nil
		}
		m.sess = m.svc.NewChat(m.caller)
		m.phases = nil
		m.status = "new chat " + m.sess.ChatID()
		m.refresh()
	case "action":
		action, details, err := tasks.ParseCommand(arg)
		if err != nil {
			m.err = err
			return m, nil
		}
		return m.dispatch(action, details)
	default:
		m.err = fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return m, nil
}

// send submits a message and follows its reply.
func (m tuiModel) send(text string) (tea.Model, tea.Cmd) {
	if m.replying {
		m.err = errors.New("wait for the reply to finish")
		return m, nil
	}
	sub, err := m.svc.Submit(m.ctx, m.sess, text)
	if err != nil {
		m.err = err
		return m, nil
	}
	m.replying = true
	m.status = "replying..."
	m.refresh()
	return m, followCmd(kindReply, sub.Reply.Follow(m.ctx))
}

// dispatch runs an action and follows its phases.
func (m tuiModel) dispatch(action string, details any) (tea.Model, tea.Cmd) {
	if m.acting {
		m.err = errors.New("an action is already running")
		return m, nil
	}
	d, err := m.svc.Dispatch(m.ctx, m.sess, action, details)
	if err != nil {
		m.err = err
		return m, nil
	}
	m.acting = true
	m.phases = nil
	m.status = "action: " + d.Task.Action
	return m, followCmd(kindAction, d.Status.Follow(m.ctx))
}

func (m tuiModel) handleStreamEvent(msg streamEventMsg) (tea.Model, tea.Cmd) {
	switch msg.event.Type {
	case model.EventDelta:
		if msg.kind == kindAction {
			for _, line := range strings.Split(msg.event.Delta, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					m.phases = append(m.phases, line)
				}
			}
		}
	case model.EventError:
		m.err = msg.event.Err
	}
	m.refresh()
	return m, followCmd(msg.kind, msg.ch)
}

func (m *tuiModel) finish(kind streamKind) {
	switch kind {
	case kindReply:
		m.replying = false
	case kindAction:
		m.acting = false
		m.status = "action recorded for the assistant"
	}
	if !m.replying && !m.acting && m.err == nil {
		m.status = "ready"
	}
}

func (m tuiModel) busy() bool {
	return m.replying || m.acting
}

// refresh redraws the chat into the viewport and keeps it scrolled to the
// newest text.
func (m *tuiModel) refresh() {
	body := m.render.RenderLive(m.sess.View(), m.sess.Pending())
	if body == "" {
		body = m.render.Muted("No messages yet.")
	}
	if len(m.phases) > 0 {
		lines := make([]string, 0, len(m.phases))
		for _, p := range m.phases {
			lines = append(lines, m.render.Phase(p, p == tasks.PhaseDone.String()))
		}
		body += "\n\n" + strings.Join(lines, "\n")
	}
	m.viewport.SetContent(body)
	m.viewport.GotoBottom()
}

// =============================================================================
// VIEW
// =============================================================================

func (m tuiModel) View() string {
	if m.quitting {
		return ""
	}

	who := "not saved"
	if m.caller.IsAuthenticated() {
		who = m.caller.UserID()
	}
	header := m.render.Title(fmt.Sprintf("triage %s | %s | chat %s", Version, who, m.sess.ChatID()))

	status := m.render.Muted(m.status)
	if m.err != nil {
		status = m.render.Error(m.err)
	}

	return strings.Join([]string{
		header,
		m.render.Rule(),
		m.viewport.View(),
		m.render.Rule(),
		m.input.View(),
		status,
	}, "\n")
}

// runTUI runs the full-screen chat until the user quits.
func runTUI(ctx context.Context, svc *chat.Service, caller session.Result, sess *chat.Session, theme *styles.Theme) error {
	p := tea.NewProgram(
		newTUIModel(ctx, svc, caller, sess, theme),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
