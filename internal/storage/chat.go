// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists finished chats per user. The Sink interface is
// implemented by a SQLite store (default) and a JSON file store.
package storage

import (
	"context"
	"time"

	"github.com/jeranaias/triage/internal/model"
	"github.com/jeranaias/triage/internal/util"
)

// TitleMaxRunes is how much of the first message becomes the chat title.
const TitleMaxRunes = 100

// =============================================================================
// CHAT RECORD
// =============================================================================

// Chat is the persisted form of a conversation.
type Chat struct {
	ID        string          `json:"id" yaml:"id"`
	Title     string          `json:"title" yaml:"title"`
	UserID    string          `json:"user_id" yaml:"user_id"`
	CreatedAt time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"updated_at"`
	Path      string          `json:"path" yaml:"path"`
	Messages  []model.Message `json:"messages" yaml:"messages"`
}

// ChatMeta is the listing view of a chat.
type ChatMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Path         string    `json:"path"`
	MessageCount int       `json:"message_count"`
}

// NewChat builds the record for a conversation owned by userID.
func NewChat(conv model.Conversation, userID string) Chat {
	title := ""
	if first, ok := conv.First(); ok {
		title = util.TruncateRunes(first.Content, TitleMaxRunes)
	}
	created := conv.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Chat{
		ID:        conv.ChatID,
		Title:     title,
		UserID:    userID,
		CreatedAt: created,
		UpdatedAt: time.Now().UTC(),
		Path:      ChatPath(conv.ChatID),
		Messages:  conv.Clone().Messages,
	}
}

// ChatPath returns the UI route of a chat.
func ChatPath(chatID string) string {
	return "/chat/" + chatID
}

// Meta returns the listing view of c.
func (c Chat) Meta() ChatMeta {
	return ChatMeta{
		ID:           c.ID,
		Title:        c.Title,
		UserID:       c.UserID,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Path:         c.Path,
		MessageCount: len(c.Messages),
	}
}

// Conversation rebuilds the in-memory conversation from the record.
func (c Chat) Conversation() model.Conversation {
	conv := model.Conversation{
		ChatID:    c.ID,
		CreatedAt: c.CreatedAt,
		Messages:  c.Messages,
	}
	return conv.Clone()
}

// =============================================================================
// SINK
// =============================================================================

// Sink stores chat records. Reads are scoped to the owning user; a chat
// owned by someone else is reported as not found.
type Sink interface {
	SaveChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, userID, chatID string) (Chat, error)
	ListChats(ctx context.Context, userID string) ([]ChatMeta, error)
	DeleteChat(ctx context.Context, userID, chatID string) error
	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

// ChatError represents a storage-level error and can be compared with
// errors.Is.
type ChatError struct {
	Message string
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing chat errors.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

var (
	// ErrChatNotFound is returned when a chat doesn't exist for the user.
	ErrChatNotFound = &ChatError{Message: "chat not found"}

	// ErrChatOwned is returned when saving over another user's chat.
	ErrChatOwned = &ChatError{Message: "chat belongs to another user"}

	// ErrInvalidChat is returned when a record cannot be stored.
	ErrInvalidChat = &ChatError{Message: "invalid chat record"}
)

func validate(chat Chat) error {
	if chat.ID == "" || chat.UserID == "" || len(chat.Messages) == 0 {
		return ErrInvalidChat
	}
	return nil
}
