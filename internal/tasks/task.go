// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks runs user-issued actions as background tasks.
//
// An action moves through three phases (started, in progress, done) with
// a fixed delay between them. Progress is reported through a status
// StreamBuffer and, once done, a system record describing the action is
// appended to the conversation it was issued from. Actions never consult
// the model.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/triage/internal/model"
)

// =============================================================================
// TASK PHASE
// =============================================================================

// Phase is the lifecycle phase of an action task.
type Phase string

const (
	// PhaseStarted is set as soon as the action is accepted
	PhaseStarted Phase = "started"

	// PhaseInProgress follows one delay after start
	PhaseInProgress Phase = "in progress"

	// PhaseDone is terminal; the system record has been appended
	PhaseDone Phase = "done"
)

// String returns the phase text shown to the user.
func (p Phase) String() string {
	return string(p)
}

// IsFinal reports whether no further phase follows.
func (p Phase) IsFinal() bool {
	return p == PhaseDone
}

// Phases lists the phases in order.
var Phases = []Phase{PhaseStarted, PhaseInProgress, PhaseDone}

// =============================================================================
// TASK STRUCTURE
// =============================================================================

// Task is one dispatched action.
type Task struct {
	// ID is a unique identifier for this task
	ID string

	// Action is the user-visible action name
	Action string

	// Details is the serialized form of the action details
	Details json.RawMessage

	// ChatID is the conversation the action was issued from
	ChatID string

	// StatusStreamID and MessageStreamID reference the live handles
	StatusStreamID  string
	MessageStreamID string

	phase     Phase
	startTime time.Time
	endTime   time.Time

	// mu protects phase and the timestamps
	mu sync.RWMutex
}

// NewTask creates a task in the started phase.
func NewTask(action string, details json.RawMessage, chatID string) *Task {
	return &Task{
		ID:        model.NewID(),
		Action:    action,
		Details:   details,
		ChatID:    chatID,
		phase:     PhaseStarted,
		startTime: time.Now(),
	}
}

// =============================================================================
// TASK METHODS
// =============================================================================

// Advance moves the task to the given phase.
// Valid transitions: started -> in progress -> done
func (t *Task) Advance(to Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !isValidTransition(t.phase, to) {
		return fmt.Errorf("invalid phase transition from %s to %s", t.phase, to)
	}
	t.phase = to
	if to.IsFinal() {
		t.endTime = time.Now()
	}
	return nil
}

func isValidTransition(from, to Phase) bool {
	switch from {
	case PhaseStarted:
		return to == PhaseInProgress
	case PhaseInProgress:
		return to == PhaseDone
	default:
		return false
	}
}

// Phase returns the current phase (thread-safe).
func (t *Task) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

// IsComplete returns true once the task reached the done phase.
func (t *Task) IsComplete() bool {
	return t.Phase().IsFinal()
}

// Duration returns how long the task has been running or took to complete.
func (t *Task) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.endTime.IsZero() {
		return time.Since(t.startTime)
	}
	return t.endTime.Sub(t.startTime)
}

// Summary returns a one-line summary of the task.
func (t *Task) Summary() string {
	summary := fmt.Sprintf("[%s] %s - %s", t.ID[:8], t.Action, t.Phase())
	if d := t.Duration(); d > 0 {
		summary += fmt.Sprintf(" (%.1fs)", d.Seconds())
	}
	return summary
}

// Snapshot is a read-only copy of a task, shaped for JSON responses.
type Snapshot struct {
	ID              string          `json:"task_id"`
	Action          string          `json:"action"`
	Details         json.RawMessage `json:"details"`
	ChatID          string          `json:"chat_id"`
	Phase           Phase           `json:"phase"`
	StatusStreamID  string          `json:"status_stream"`
	MessageStreamID string          `json:"message_stream"`
	StartTime       time.Time       `json:"started_at"`
	EndTime         *time.Time      `json:"finished_at,omitempty"`
}

// Snapshot returns a consistent copy of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		ID:              t.ID,
		Action:          t.Action,
		Details:         append(json.RawMessage(nil), t.Details...),
		ChatID:          t.ChatID,
		Phase:           t.phase,
		StatusStreamID:  t.StatusStreamID,
		MessageStreamID: t.MessageStreamID,
		StartTime:       t.startTime,
	}
	if !t.endTime.IsZero() {
		end := t.endTime
		s.EndTime = &end
	}
	return s
}

// =============================================================================
// COMMAND PARSING
// =============================================================================

// ParseCommand splits the arguments of an /action command into the action name and
// its JSON details. Details start at the first '{'; without any the details
// are an empty object.
func ParseCommand(arg string) (string, json.RawMessage, error) {
	name, raw := arg, "{}"
	if i := strings.Index(arg, "{"); i >= 0 {
		name, raw = arg[:i], arg[i:]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.New(`usage: /action <name> [json], e.g. /action check vitals {"bp":"120/80"}`)
	}
	if !json.Valid([]byte(raw)) {
		return "", nil, fmt.Errorf("action details are not valid JSON: %s", raw)
	}
	return name, json.RawMessage(raw), nil
}
