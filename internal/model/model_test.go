// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ROLE TESTS
// =============================================================================

func TestParseRole(t *testing.T) {
	for _, in := range []string{"user", "assistant", "system"} {
		r, err := ParseRole(in)
		require.NoError(t, err)
		assert.Equal(t, in, r.String())
	}

	_, err := ParseRole("tool")
	assert.Error(t, err)
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewMessage_AssignsIDs(t *testing.T) {
	a := NewUserMessage("I have a headache")
	b := NewUserMessage("I have a headache")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, RoleUser, a.Role)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestMessage_IsVisible(t *testing.T) {
	assert.True(t, NewUserMessage("x").IsVisible())
	assert.True(t, NewAssistantMessage("x").IsVisible())
	assert.False(t, NewSystemMessage("x").IsVisible())
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestNewConversation(t *testing.T) {
	c := NewConversation()
	assert.NotEmpty(t, c.ChatID)
	assert.True(t, c.IsEmpty())
	_, ok := c.First()
	assert.False(t, ok)
}

func TestConversation_CloneIsIndependent(t *testing.T) {
	c := NewConversation()
	c.Messages = append(c.Messages, NewUserMessage("one"))

	clone := c.Clone()
	clone.Messages[0].Content = "changed"
	clone.Messages = append(clone.Messages, NewUserMessage("two"))

	assert.Equal(t, "one", c.Messages[0].Content)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 2, clone.Len())
}

func TestConversation_Visible(t *testing.T) {
	c := NewConversation()
	c.Messages = []Message{
		NewUserMessage("u1"),
		NewSystemMessage("s1"),
		NewAssistantMessage("a1"),
		NewSystemMessage("s2"),
	}

	visible := c.Visible()
	require.Len(t, visible, 2)
	assert.Equal(t, "u1", visible[0].Content)
	assert.Equal(t, "a1", visible[1].Content)
	assert.Equal(t, 2, c.CountByRole(RoleSystem))

	last, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, "s2", last.Content)
}
