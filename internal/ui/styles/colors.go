// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the terminal color palette and theme for triage.
// All colors use Lip Gloss AdaptiveColor for automatic light/dark detection.
package styles

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// ACCENT COLORS
// =============================================================================

// purple - Assistant replies, brand
var purple = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}

// cyan - User messages, prompts
var cyan = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}

// emerald - Success, completed actions
var emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}

// rose - Errors, failed replies
var rose = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}

// amber - Actions in progress, warnings
var amber = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

// =============================================================================
// SURFACE AND TEXT COLORS
// =============================================================================

// overlay - Borders, separators
var overlay = lipgloss.AdaptiveColor{Light: "#E5E5E5", Dark: "#313244"}

// textPrimary - Main body text
var textPrimary = lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#CDD6F4"}

// textSecondary - Labels, less prominent text
var textSecondary = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A6ADC8"}

// textMuted - Hints, timestamps
var textMuted = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}

// =============================================================================
// MESSAGE COLORS
// =============================================================================

var userBubbleBorder = lipgloss.AdaptiveColor{Light: "#3B82F6", Dark: "#3B82F6"}
var assistantBubbleBorder = lipgloss.AdaptiveColor{Light: "#C4B5FD", Dark: "#A78BFA"}
var systemBubbleFg = lipgloss.AdaptiveColor{Light: "#92400E", Dark: "#FEF3C7"}
var systemBubbleBorder = lipgloss.AdaptiveColor{Light: "#F59E0B", Dark: "#F59E0B"}
