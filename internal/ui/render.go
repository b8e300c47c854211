// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/triage/internal/model"
	"github.com/jeranaias/triage/internal/ui/styles"
	"github.com/jeranaias/triage/internal/util"
)

// DefaultWidth is used when the terminal width is unknown.
const DefaultWidth = 80

// Renderer draws chat entries for a terminal.
type Renderer struct {
	theme *styles.Theme
	width int

	// md renders assistant replies; nil falls back to plain text
	md *glamour.TermRenderer
}

// NewRenderer creates a renderer for the given theme and width.
func NewRenderer(theme *styles.Theme, width int) *Renderer {
	if theme == nil {
		theme = styles.NewTheme()
	}
	if width <= 0 {
		width = DefaultWidth
	}

	r := &Renderer{theme: theme, width: width}
	if !theme.IsPlain() {
		style := "light"
		if theme.IsDark {
			style = "dark"
		}
		md, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(width-4),
		)
		if err == nil {
			r.md = md
		}
	}
	return r
}

// Width returns the render width.
func (r *Renderer) Width() int {
	return r.width
}

// Label returns the speaker prefix for a role.
func (r *Renderer) Label(role model.Role) string {
	switch role {
	case model.RoleUser:
		return r.theme.UserLabel.Render(role.DisplayName() + ":")
	case model.RoleAssistant:
		return r.theme.AssistantLabel.Render(role.DisplayName() + ":")
	default:
		return r.theme.Muted.Render(role.DisplayName() + ":")
	}
}

// Markdown renders assistant text. Rendering failures fall back to the
// raw text.
func (r *Renderer) Markdown(text string) string {
	if r.md == nil {
		return text
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

// RenderMessage draws one message, system records included.
func (r *Renderer) RenderMessage(msg model.Message) string {
	switch msg.Role {
	case model.RoleUser:
		return r.Label(msg.Role) + "\n" + r.theme.UserBubble.Render(msg.Content)
	case model.RoleAssistant:
		return r.Label(msg.Role) + "\n" + r.theme.AssistantBody.Render(r.Markdown(msg.Content))
	default:
		return r.theme.SystemNote.Render(msg.Content)
	}
}

// RenderEntry draws one projected entry. Streaming entries show a
// placeholder; callers print the stream's text as it arrives.
func (r *Renderer) RenderEntry(e Entry) string {
	switch e.Display.Kind {
	case DisplayText:
		return r.RenderMessage(model.Message{Role: e.Role, Content: e.Display.Text})
	case DisplayStream:
		return r.Label(e.Role) + "\n" + r.theme.Streaming.Render("...")
	default:
		return r.Label(e.Role) + "\n" + r.theme.Muted.Render("(no reply)")
	}
}

// RenderState draws every entry of a projection separated by blank lines.
func (r *Renderer) RenderState(state State) string {
	parts := make([]string, 0, len(state))
	for _, e := range state {
		parts = append(parts, r.RenderEntry(e))
	}
	return strings.Join(parts, "\n\n")
}

// RenderLive draws a projection with the text streamed so far in place of
// each open reply's placeholder. Full-screen views redraw it on every
// stream event.
func (r *Renderer) RenderLive(state State, pending []Pending) string {
	streams := make(map[string]*model.StreamBuffer, len(pending))
	for _, p := range pending {
		if p.Stream != nil {
			streams[p.Stream.ID()] = p.Stream
		}
	}

	parts := make([]string, 0, len(state))
	for _, e := range state {
		if e.Display.Kind == DisplayStream {
			if buf, ok := streams[e.Display.StreamID]; ok {
				parts = append(parts, r.Label(e.Role)+"\n"+r.theme.Streaming.Render(buf.Snapshot().Content+"_"))
				continue
			}
		}
		parts = append(parts, r.RenderEntry(e))
	}
	return strings.Join(parts, "\n\n")
}

// RenderTranscript draws a whole conversation, system records included.
func (r *Renderer) RenderTranscript(conv model.Conversation) string {
	parts := make([]string, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		parts = append(parts, r.RenderMessage(m))
	}
	return strings.Join(parts, "\n\n")
}

// Phase draws one action phase line.
func (r *Renderer) Phase(text string, done bool) string {
	if done {
		return r.theme.PhaseDone.Render("  " + text)
	}
	return r.theme.Phase.Render("  " + text + "...")
}

// Error draws an error line.
func (r *Renderer) Error(err error) string {
	return r.theme.Error.Render("error: " + err.Error())
}

// Muted draws secondary text.
func (r *Renderer) Muted(text string) string {
	return r.theme.Muted.Render(text)
}

// Title draws a heading.
func (r *Renderer) Title(text string) string {
	return r.theme.Title.Render(text)
}

// Rule draws a horizontal separator across the render width.
func (r *Renderer) Rule() string {
	return r.theme.Frame.Render(strings.Repeat("─", r.width))
}

// =============================================================================
// CHAT LISTS
// =============================================================================

// ChatRow is one line of a chat listing.
type ChatRow struct {
	ID        string
	Title     string
	UpdatedAt time.Time
	Messages  int
}

// RenderChatList draws a table of chats fitted to the render width.
// UNICODE: columns are measured in terminal cells, not bytes.
func (r *Renderer) RenderChatList(rows []ChatRow) string {
	if len(rows) == 0 {
		return r.Muted("No saved chats.")
	}

	const idWidth, dateWidth, countWidth = 8, 16, 5
	titleWidth := r.width - idWidth - dateWidth - countWidth - 6
	if titleWidth < 10 {
		titleWidth = 10
	}

	var b strings.Builder
	header := fmt.Sprintf("%s  %s  %s  %s",
		runewidth.FillRight("ID", idWidth),
		runewidth.FillRight("TITLE", titleWidth),
		runewidth.FillRight("UPDATED", dateWidth),
		runewidth.FillLeft("MSGS", countWidth))
	b.WriteString(r.theme.Title.Render(header))

	for _, row := range rows {
		id := row.ID
		if len(id) > idWidth {
			id = id[:idWidth]
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%s  %s  %s  %s",
			runewidth.FillRight(id, idWidth),
			runewidth.FillRight(util.Preview(row.Title, titleWidth), titleWidth),
			runewidth.FillRight(row.UpdatedAt.Local().Format("2006-01-02 15:04"), dateWidth),
			runewidth.FillLeft(fmt.Sprintf("%d", row.Messages), countWidth)))
	}
	return b.String()
}
