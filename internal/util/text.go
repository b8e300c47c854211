// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// UNICODE: Truncation counts runes, never bytes, so multi-byte characters
// are not split.

// TruncateRunes returns at most maxRunes characters of s, without ellipsis.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == maxRunes {
			return s[:i]
		}
		count++
	}
	return s
}

// Preview flattens s to a single line and fits it into width terminal
// columns, appending "..." when it had to cut. Wide (CJK) characters count
// as two columns.
func Preview(s string, width int) string {
	if width <= 0 {
		return ""
	}
	line := SingleLine(s)
	if runewidth.StringWidth(line) <= width {
		return line
	}
	return runewidth.Truncate(line, width, "...")
}

// SingleLine collapses all whitespace runs (newlines included) into single
// spaces and trims the ends.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
