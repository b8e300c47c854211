// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"slices"
	"sync"
	"time"

	"github.com/jeranaias/triage/internal/model"
	"github.com/jeranaias/triage/internal/session"
	"github.com/jeranaias/triage/internal/ui"
)

// Session is the state of one chat as seen by its owner: the message log,
// the authentication result it was opened with, and the replies still
// streaming into it. Every chat operation takes a Session explicitly.
type Session struct {
	Store  *Store
	Caller session.Result

	mu         sync.Mutex
	pending    []ui.Pending
	actions    int
	lastActive time.Time
}

// ChatID returns the chat's identifier.
func (s *Session) ChatID() string {
	return s.Store.ChatID()
}

// Owner returns the user the chat belongs to, or "" for anonymous chats.
func (s *Session) Owner() string {
	return s.Caller.UserID()
}

// View projects the chat for display, in-flight replies included.
func (s *Session) View() ui.State {
	return ui.Project(s.Store.Live(), s.Pending()...)
}

// Pending returns the replies still being generated.
func (s *Session) Pending() []ui.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// Busy reports whether a reply is still being generated.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

func (s *Session) addPending(messageID string, buf *model.StreamBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, ui.Pending{MessageID: messageID, Stream: buf})
}

func (s *Session) removePending(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = slices.DeleteFunc(s.pending, func(p ui.Pending) bool {
		return p.MessageID == messageID
	})
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
}

func (s *Session) beginAction(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions++
	s.lastActive = now
}

func (s *Session) endAction(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actions > 0 {
		s.actions--
	}
	s.lastActive = now
}

// idle reports whether nothing is in flight and nothing happened for d.
func (s *Session) idle(now time.Time, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && s.actions == 0 && now.Sub(s.lastActive) >= d
}
