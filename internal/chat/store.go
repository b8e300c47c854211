// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates triage conversations.
//
// A Store holds one conversation's message log. A Session pairs a store
// with the caller's authentication result and tracks replies still being
// generated. The Service ties sessions to the model, the action dispatcher
// and the persistence sink: a submitted message streams the model's reply
// into a live buffer, and every finished reply or action record commits the
// conversation, which persists it for signed-in users.
package chat

import (
	"context"
	"log"
	"sync"

	"github.com/jeranaias/triage/internal/model"
)

// CommitFunc runs after every commit with the committed snapshot.
type CommitFunc func(ctx context.Context, conv model.Conversation) error

// =============================================================================
// STORE
// =============================================================================

// Store is the append-only message log of one conversation.
//
// Appends are visible immediately through Append's return value and Live.
// Current only reflects what has been committed.
type Store struct {
	mu        sync.Mutex
	live      model.Conversation
	committed model.Conversation
	commits   int

	// commitMu orders commit hooks so an older snapshot never lands after
	// a newer one.
	commitMu sync.Mutex
	onCommit CommitFunc
}

// NewStore creates a store seeded with conv, which counts as committed.
func NewStore(conv model.Conversation, onCommit CommitFunc) *Store {
	conv = conv.Clone()
	return &Store{
		live:      conv,
		committed: conv.Clone(),
		onCommit:  onCommit,
	}
}

// ChatID returns the conversation's identifier.
func (s *Store) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.ChatID
}

// Append adds msg to the end of the log and returns the updated state.
func (s *Store) Append(msg model.Message) model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.Messages = append(s.live.Messages, msg)
	return s.live.Clone()
}

// Live returns every appended message, committed or not.
func (s *Store) Live() model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.Clone()
}

// Current returns the latest committed snapshot.
func (s *Store) Current() model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.Clone()
}

// Commits returns how many commits have completed.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Commit finalizes everything appended so far and runs the commit hook.
// A hook error is returned but the commit itself stands.
func (s *Store) Commit(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	s.committed = s.live.Clone()
	s.commits++
	snap := s.committed.Clone()
	s.mu.Unlock()

	if s.onCommit == nil {
		return nil
	}
	if err := s.onCommit(ctx, snap); err != nil {
		log.Printf("CHAT_COMMIT_HOOK_FAILED | chat=%s messages=%d error=%v", snap.ChatID, snap.Len(), err)
		return err
	}
	return nil
}
