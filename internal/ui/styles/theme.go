// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds the styles used to draw a chat on a terminal.
// It detects the terminal's color capability and adjusts accordingly.
type Theme struct {
	// Terminal capabilities
	IsDark       bool
	HasTrueColor bool
	ColorProfile termenv.Profile

	// ==========================================================================
	// MESSAGE STYLES
	// ==========================================================================

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	UserBubble     lipgloss.Style
	AssistantBody  lipgloss.Style
	SystemNote     lipgloss.Style

	// ==========================================================================
	// STATUS STYLES
	// ==========================================================================

	Streaming lipgloss.Style
	Phase     lipgloss.Style
	PhaseDone lipgloss.Style
	Error     lipgloss.Style
	Muted     lipgloss.Style
	Title     lipgloss.Style

	// Frame draws rules and borders around full-screen panes.
	Frame lipgloss.Style
}

// NewTheme creates a theme for the detected terminal.
func NewTheme() *Theme {
	return NewThemeForProfile(termenv.ColorProfile(), termenv.HasDarkBackground())
}

// ParseTheme maps a configured theme name to a theme. "auto" detects the
// terminal; "notty" disables colors.
func ParseTheme(name string) *Theme {
	switch strings.ToLower(name) {
	case "dark":
		return NewThemeForProfile(termenv.ColorProfile(), true)
	case "light":
		return NewThemeForProfile(termenv.ColorProfile(), false)
	case "notty":
		return NewThemeForProfile(termenv.Ascii, true)
	default:
		return NewTheme()
	}
}

// NewThemeForProfile creates a theme for an explicit color profile.
func NewThemeForProfile(profile termenv.Profile, isDark bool) *Theme {
	t := &Theme{
		IsDark:       isDark,
		HasTrueColor: profile == termenv.TrueColor,
		ColorProfile: profile,
	}
	t.initStyles()
	return t
}

// IsPlain reports whether the theme renders without colors.
func (t *Theme) IsPlain() bool {
	return t.ColorProfile == termenv.Ascii
}

// initStyles initializes all the lip gloss styles.
func (t *Theme) initStyles() {
	r := lipgloss.NewRenderer(os.Stdout)
	r.SetColorProfile(t.ColorProfile)
	r.SetHasDarkBackground(t.IsDark)

	t.UserLabel = r.NewStyle().
		Foreground(cyan).
		Bold(true)

	t.AssistantLabel = r.NewStyle().
		Foreground(purple).
		Bold(true)

	t.UserBubble = r.NewStyle().
		Foreground(textPrimary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(userBubbleBorder).
		BorderLeft(true).
		PaddingLeft(1)

	t.AssistantBody = r.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(assistantBubbleBorder).
		BorderLeft(true).
		PaddingLeft(1)

	t.SystemNote = r.NewStyle().
		Foreground(systemBubbleFg).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(systemBubbleBorder).
		BorderLeft(true).
		PaddingLeft(1).
		Italic(true)

	t.Streaming = r.NewStyle().
		Foreground(textSecondary).
		Italic(true)

	t.Phase = r.NewStyle().
		Foreground(amber)

	t.PhaseDone = r.NewStyle().
		Foreground(emerald).
		Bold(true)

	t.Error = r.NewStyle().
		Foreground(rose).
		Bold(true)

	t.Muted = r.NewStyle().
		Foreground(textMuted)

	t.Title = r.NewStyle().
		Foreground(textPrimary).
		Bold(true)

	t.Frame = r.NewStyle().
		Foreground(overlay)
}
