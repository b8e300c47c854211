// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by Login for an unknown user or a
// wrong token. The two cases are indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// dummyHash keeps Login timing the same for unknown users.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("triage-dummy-token"), bcrypt.MinCost)

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Config holds configuration for the session manager.
type Config struct {
	// Timeout is the idle time after which a session expires (default: 30 minutes)
	Timeout time.Duration

	// Users maps user IDs to bcrypt hashes of their access tokens.
	Users map[string]string
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Minute,
		Users:   map[string]string{},
	}
}

// Session is an issued login.
type Session struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	StartTime    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Manager issues sessions against configured user tokens and expires them
// after a period of inactivity.
type Manager struct {
	mu       sync.Mutex
	timeout  time.Duration
	users    map[string]string
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager creates a new session manager.
func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	users := make(map[string]string, len(cfg.Users))
	for id, hash := range cfg.Users {
		users[id] = hash
	}
	return &Manager{
		timeout:  cfg.Timeout,
		users:    users,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Login verifies a user's token and issues a session.
func (m *Manager) Login(userID, token string) (Session, error) {
	m.mu.Lock()
	hash, ok := m.users[userID]
	m.mu.Unlock()

	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(token))
		log.Printf("SESSION_LOGIN_DENIED | user=%s reason=unknown_user", userID)
		return Session{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		log.Printf("SESSION_LOGIN_DENIED | user=%s reason=bad_token", userID)
		return Session{}, ErrInvalidCredentials
	}

	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		StartTime:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.timeout),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Printf("SESSION_LOGIN | user=%s session=%s", userID, s.ID[:8])
	return *s, nil
}

// Resolve maps a session ID to a Result and records activity on it.
// Unknown or expired sessions resolve to Anonymous.
func (m *Manager) Resolve(sessionID string) Result {
	if sessionID == "" {
		return Anonymous()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.lookupLocked(sessionID)
	if !ok {
		return Anonymous()
	}
	now := m.now()
	if now.Sub(s.LastActivity) >= m.timeout {
		delete(m.sessions, s.ID)
		log.Printf("SESSION_EXPIRED | user=%s session=%s", s.UserID, s.ID[:8])
		return Anonymous()
	}
	s.LastActivity = now
	s.ExpiresAt = now.Add(m.timeout)
	return Authenticated(s.UserID, s.ID)
}

// CurrentSession implements Gate. It checks the session carried by ctx
// against the live session table without counting as activity, so a
// session that was logged out or expired after the request arrived
// resolves to Anonymous.
func (m *Manager) CurrentSession(ctx context.Context) Result {
	r := FromContext(ctx)
	if !r.IsAuthenticated() || r.SessionID == "" {
		return Anonymous()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.lookupLocked(r.SessionID)
	if !ok || s.UserID != r.UserID() || m.now().Sub(s.LastActivity) >= m.timeout {
		return Anonymous()
	}
	return Authenticated(s.UserID, s.ID)
}

// lookupLocked finds a session comparing IDs in constant time.
func (m *Manager) lookupLocked(sessionID string) (*Session, bool) {
	s, ok := m.sessions[sessionID]
	if !ok || subtle.ConstantTimeCompare([]byte(s.ID), []byte(sessionID)) != 1 {
		return nil, false
	}
	return s, true
}

// Logout ends a session. Unknown IDs are ignored.
func (m *Manager) Logout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		delete(m.sessions, sessionID)
		log.Printf("SESSION_LOGOUT | user=%s session=%s", s.UserID, s.ID[:8])
	}
}

// Sweep drops expired sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity) >= m.timeout {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Timeout returns the idle timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// HashToken returns the bcrypt hash to put in the users table for token.
func HashToken(token string) (string, error) {
	if len(token) < 8 {
		return "", errors.New("token must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
