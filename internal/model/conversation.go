// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"slices"
	"time"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is a snapshot of a chat's message log. Snapshots own their
// slice, so callers may keep them after the store moves on.
type Conversation struct {
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// NewConversation starts an empty conversation with a fresh chat ID.
func NewConversation() Conversation {
	return Conversation{
		ChatID:    NewID(),
		CreatedAt: time.Now().UTC(),
		Messages:  []Message{},
	}
}

// Clone returns a copy that shares no backing array with c.
func (c Conversation) Clone() Conversation {
	c.Messages = slices.Clone(c.Messages)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return c
}

// Len returns the number of messages.
func (c Conversation) Len() int {
	return len(c.Messages)
}

// IsEmpty reports whether the conversation has no messages.
func (c Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// First returns the first message, if any.
func (c Conversation) First() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[0], true
}

// Last returns the last message, if any.
func (c Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Visible returns the non-system messages in order.
func (c Conversation) Visible() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.IsVisible() {
			out = append(out, m)
		}
	}
	return out
}

// CountByRole returns how many messages have the given role.
func (c Conversation) CountByRole(role Role) int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == role {
			n++
		}
	}
	return n
}
