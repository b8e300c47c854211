// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"sync"
	"time"

	"github.com/jeranaias/triage/internal/model"
)

// DefaultStreamRetention keeps finished streams readable for late followers.
const DefaultStreamRetention = 10 * time.Minute

// streamEntry is a registered stream and the chat it belongs to.
type streamEntry struct {
	buf    *model.StreamBuffer
	chatID string
	owner  string
}

// Streams indexes live buffers by ID so clients can follow them.
type Streams struct {
	mu        sync.RWMutex
	entries   map[string]streamEntry
	retention time.Duration
	now       func() time.Time
}

// NewStreams creates a registry that forgets finished streams after
// retention.
func NewStreams(retention time.Duration) *Streams {
	if retention <= 0 {
		retention = DefaultStreamRetention
	}
	return &Streams{
		entries:   make(map[string]streamEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Register makes buf followable.
func (s *Streams) Register(buf *model.StreamBuffer, chatID, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[buf.ID()] = streamEntry{buf: buf, chatID: chatID, owner: owner}
}

// Lookup returns a stream if owner may read it.
func (s *Streams) Lookup(id, owner string) (*model.StreamBuffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || e.owner != owner {
		return nil, false
	}
	return e.buf, true
}

// Len returns the number of registered streams.
func (s *Streams) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep drops streams that finished more than retention ago and returns
// how many were removed.
func (s *Streams) Sweep() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		snap := e.buf.Snapshot()
		if snap.State.IsFinal() && snap.FinishedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
