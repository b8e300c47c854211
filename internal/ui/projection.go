// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui shapes conversations for display.
//
// Project derives the list of entries a client shows from a conversation
// and the replies still streaming into it. It is a pure function: the
// conversation stays the source of truth and the projection can be
// recomputed at any time. Renderer draws a projection on a terminal.
package ui

import (
	"github.com/jeranaias/triage/internal/model"
)

// =============================================================================
// DISPLAY HANDLES
// =============================================================================

// DisplayKind says how an entry is shown.
type DisplayKind string

const (
	// DisplayText is finished text
	DisplayText DisplayKind = "text"

	// DisplayStream is text still arriving through a live stream
	DisplayStream DisplayKind = "stream"

	// DisplayEmpty has nothing to show
	DisplayEmpty DisplayKind = "empty"
)

// Display is the renderable part of an entry.
type Display struct {
	Kind     DisplayKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	StreamID string      `json:"stream_id,omitempty"`
}

// Entry is one visible item of the chat.
type Entry struct {
	ID      string     `json:"id"`
	Role    model.Role `json:"role"`
	Display Display    `json:"display"`
}

// State is the ordered list of visible entries.
type State []Entry

// Pending is an assistant reply that is still being generated. MessageID
// is the ID the finished message will carry.
type Pending struct {
	MessageID string
	Stream    *model.StreamBuffer
}

// =============================================================================
// PROJECTION
// =============================================================================

// Project maps a conversation to its visible entries.
//
// System messages are dropped. User messages show their text. Assistant
// messages show their text, or the live stream while their pending reply
// is still open. Pending replies that have not reached the conversation
// yet follow the messages in the order given.
func Project(conv model.Conversation, pending ...Pending) State {
	live := make(map[string]*model.StreamBuffer, len(pending))
	for _, p := range pending {
		if p.Stream != nil {
			live[p.MessageID] = p.Stream
		}
	}

	state := make(State, 0, len(conv.Messages)+len(pending))
	seen := make(map[string]bool, len(conv.Messages))

	for _, msg := range conv.Messages {
		if !msg.IsVisible() {
			continue
		}
		seen[msg.ID] = true
		state = append(state, Entry{
			ID:      msg.ID,
			Role:    msg.Role,
			Display: displayFor(msg, live[msg.ID]),
		})
	}

	for _, p := range pending {
		if p.Stream == nil || seen[p.MessageID] {
			continue
		}
		seen[p.MessageID] = true
		state = append(state, Entry{
			ID:      p.MessageID,
			Role:    model.RoleAssistant,
			Display: streamDisplay(p.Stream),
		})
	}

	return state
}

func displayFor(msg model.Message, stream *model.StreamBuffer) Display {
	switch msg.Role {
	case model.RoleUser:
		return Display{Kind: DisplayText, Text: msg.Content}
	case model.RoleAssistant:
		if stream != nil && !stream.Snapshot().State.IsFinal() {
			return Display{Kind: DisplayStream, StreamID: stream.ID()}
		}
		if msg.Content != "" {
			return Display{Kind: DisplayText, Text: msg.Content}
		}
	}
	return Display{Kind: DisplayEmpty}
}

// streamDisplay shows a reply that is not in the conversation. A closed
// stream shows its text until the message lands; a failed one shows
// nothing.
func streamDisplay(stream *model.StreamBuffer) Display {
	snap := stream.Snapshot()
	switch snap.State {
	case model.StreamOpen:
		return Display{Kind: DisplayStream, StreamID: snap.ID}
	case model.StreamClosed:
		return Display{Kind: DisplayText, Text: snap.Content}
	default:
		return Display{Kind: DisplayEmpty, StreamID: snap.ID}
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Streaming returns the entries still waiting on a live stream.
func (s State) Streaming() []Entry {
	var out []Entry
	for _, e := range s {
		if e.Display.Kind == DisplayStream {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the entry with the given ID.
func (s State) Find(id string) (Entry, bool) {
	for _, e := range s {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
