// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm defines the streaming contract between the chat pipeline and
// a model provider. Providers live in their own packages (cloud, ollama) and
// deliver replies as a channel of Increments ending in a terminal marker.
package llm

import (
	"context"
	"strings"

	"github.com/jeranaias/triage/internal/model"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is one entry of the history sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Request is a single generation call.
type Request struct {
	Model        string
	SystemPrompt string
	// Messages is the full history, system records included.
	Messages []Message
}

// NewRequest builds a request from a conversation snapshot. Every role is
// forwarded; system records from dispatched actions are context the model
// needs to see.
func NewRequest(modelName, systemPrompt string, conv model.Conversation) Request {
	msgs := make([]Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		msgs = append(msgs, Message{
			Role:    m.Role.String(),
			Content: m.Content,
			Name:    m.Name,
		})
	}
	return Request{
		Model:        modelName,
		SystemPrompt: systemPrompt,
		Messages:     msgs,
	}
}

// WireMessages returns the history with the system prompt prepended, the
// shape both providers send.
func (r Request) WireMessages() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	if strings.TrimSpace(r.SystemPrompt) != "" {
		out = append(out, Message{Role: "system", Content: r.SystemPrompt})
	}
	return append(out, r.Messages...)
}

// =============================================================================
// STREAMING CONTRACT
// =============================================================================

// Increment is one step of a streamed reply. The last increment of a
// successful reply has Done set and carries the full text in Content. A
// failed reply ends with a single increment whose Err is a *ModelError.
type Increment struct {
	Delta   string
	Done    bool
	Content string
	Err     error
}

// Generator streams model replies.
type Generator interface {
	// Generate starts a reply. The returned channel is always closed by
	// the generator.
	Generate(ctx context.Context, req Request) <-chan Increment
	// Name identifies the provider in logs and health output.
	Name() string
}

// HealthChecker is implemented by generators that can check their backend.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Collect drains a reply into its full text. It is used by callers that do
// not render incrementally.
func Collect(ctx context.Context, ch <-chan Increment) (string, error) {
	for {
		select {
		case inc, ok := <-ch:
			if !ok {
				return "", ErrIncomplete
			}
			if inc.Err != nil {
				return "", inc.Err
			}
			if inc.Done {
				return inc.Content, nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
