// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/triage/internal/util"
)

// safeName matches IDs that can be used as path components unchanged.
var safeName = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps one JSON file per chat under BaseDir/<user>/<chat>.json.
type FileStore struct {
	// BaseDir is the directory for storing chats
	// Default: ~/.triage/chats/
	BaseDir string

	// MaxChatsPerUser limits stored chats per user (0 = unlimited)
	MaxChatsPerUser int

	mu sync.Mutex
}

// NewFileStore creates a file store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return &FileStore{BaseDir: baseDir}, nil
}

// SaveChat writes the chat atomically and enforces the per-user limit.
func (s *FileStore) SaveChat(ctx context.Context, chat Chat) error {
	if err := validate(chat); err != nil {
		return err
	}
	if !safeName.MatchString(chat.ID) {
		return ErrInvalidChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.filePath(chat.UserID, chat.ID)
	if existing, err := s.read(path); err == nil {
		if existing.UserID != chat.UserID {
			return ErrChatOwned
		}
		chat.CreatedAt = existing.CreatedAt
	}

	data, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode chat: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(path, data, 0600, 0700); err != nil {
		return err
	}

	if s.MaxChatsPerUser > 0 {
		s.enforceLimit(chat.UserID)
	}
	return nil
}

// GetChat loads one of the user's chats.
func (s *FileStore) GetChat(ctx context.Context, userID, chatID string) (Chat, error) {
	if !safeName.MatchString(chatID) {
		return Chat{}, ErrChatNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, err := s.read(s.filePath(userID, chatID))
	if err != nil {
		return Chat{}, err
	}
	if chat.UserID != userID {
		return Chat{}, ErrChatNotFound
	}
	return chat, nil
}

// ListChats returns the user's chats, most recently updated first.
// Corrupted files are skipped.
func (s *FileStore) ListChats(ctx context.Context, userID string) ([]ChatMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(userID)
}

func (s *FileStore) listLocked(userID string) ([]ChatMeta, error) {
	dir := s.userDir(userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ChatMeta{}, nil
		}
		return nil, err
	}

	metas := []ChatMeta{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		chat, err := s.read(filepath.Join(dir, entry.Name()))
		if err != nil || chat.UserID != userID {
			continue
		}
		metas = append(metas, chat.Meta())
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// DeleteChat removes one of the user's chats.
func (s *FileStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	if !safeName.MatchString(chatID) {
		return ErrChatNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(userID, chatID)); err != nil {
		if os.IsNotExist(err) {
			return ErrChatNotFound
		}
		return err
	}
	return nil
}

// Close implements Sink.
func (s *FileStore) Close() error {
	return nil
}

// enforceLimit removes the user's oldest chats if over the limit.
func (s *FileStore) enforceLimit(userID string) {
	metas, err := s.listLocked(userID)
	if err != nil || len(metas) <= s.MaxChatsPerUser {
		return
	}
	// metas is newest first
	for _, m := range metas[s.MaxChatsPerUser:] {
		os.Remove(s.filePath(userID, m.ID))
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func (s *FileStore) read(path string) (Chat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chat{}, ErrChatNotFound
		}
		return Chat{}, err
	}
	var chat Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return Chat{}, fmt.Errorf("failed to decode chat: %w", err)
	}
	return chat, nil
}

// userDir maps a user ID to its directory. IDs that are not path-safe are
// hashed.
func (s *FileStore) userDir(userID string) string {
	name := userID
	if !safeName.MatchString(userID) || userID == "." || userID == ".." {
		sum := sha256.Sum256([]byte(userID))
		name = "u-" + hex.EncodeToString(sum[:8])
	}
	return filepath.Join(s.BaseDir, name)
}

func (s *FileStore) filePath(userID, chatID string) string {
	return filepath.Join(s.userDir(userID), chatID+".json")
}
