// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SchemaVersion tracks the chats schema for migrations.
const SchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	path       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	messages   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at DESC);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore keeps chats in a single SQLite database. Messages are stored
// as a JSON column since they are always read and written whole.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT INTO metadata(key, value) VALUES('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprint(SchemaVersion),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record schema version: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveChat inserts or replaces a chat. CreatedAt of an existing row is kept.
func (s *SQLiteStore) SaveChat(ctx context.Context, chat Chat) error {
	if err := validate(chat); err != nil {
		return err
	}
	msgs, err := json.Marshal(chat.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, path, created_at, updated_at, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title      = excluded.title,
			path       = excluded.path,
			updated_at = excluded.updated_at,
			messages   = excluded.messages
		WHERE chats.user_id = excluded.user_id`,
		chat.ID, chat.UserID, chat.Title, chat.Path,
		chat.CreatedAt.UnixNano(), chat.UpdatedAt.UnixNano(), string(msgs),
	)
	if err != nil {
		return fmt.Errorf("failed to save chat: %w", err)
	}
	// The conflict clause skips rows owned by another user.
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatOwned
	}
	return nil
}

// GetChat loads one of the user's chats.
func (s *SQLiteStore) GetChat(ctx context.Context, userID, chatID string) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, path, created_at, updated_at, messages
		FROM chats WHERE id = ? AND user_id = ?`, chatID, userID)

	var (
		chat             Chat
		created, updated int64
		msgs             string
	)
	if err := row.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Path, &created, &updated, &msgs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrChatNotFound
		}
		return Chat{}, fmt.Errorf("failed to load chat: %w", err)
	}
	if err := json.Unmarshal([]byte(msgs), &chat.Messages); err != nil {
		return Chat{}, fmt.Errorf("failed to decode messages: %w", err)
	}
	chat.CreatedAt = time.Unix(0, created).UTC()
	chat.UpdatedAt = time.Unix(0, updated).UTC()
	return chat, nil
}

// ListChats returns the user's chats, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]ChatMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, path, created_at, updated_at, json_array_length(messages)
		FROM chats WHERE user_id = ?
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	metas := []ChatMeta{}
	for rows.Next() {
		var (
			m                ChatMeta
			created, updated int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Title, &m.Path, &created, &updated, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		m.UpdatedAt = time.Unix(0, updated).UTC()
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// DeleteChat removes one of the user's chats.
func (s *SQLiteStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
