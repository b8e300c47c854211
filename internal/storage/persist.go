// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/jeranaias/triage/internal/model"
	"github.com/jeranaias/triage/internal/session"
)

// =============================================================================
// PERSISTENCE OUTCOMES
// =============================================================================

// Outcome says what a persistence call did.
type Outcome int

const (
	OutcomeSaved Outcome = iota
	OutcomeSkippedAnonymous
	OutcomeSkippedEmpty
	OutcomeRestored
	OutcomeUnauthenticated
	OutcomeSessionEnded
)

// String returns the wire name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeSkippedAnonymous:
		return "skipped_anonymous"
	case OutcomeSkippedEmpty:
		return "skipped_empty"
	case OutcomeRestored:
		return "restored"
	case OutcomeUnauthenticated:
		return "unauthenticated"
	case OutcomeSessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

// Persister is the only path from conversations to a Sink. It enforces
// that records are written for authenticated callers with at least one
// message.
type Persister struct {
	sink Sink
}

// NewPersister wraps a sink.
func NewPersister(sink Sink) *Persister {
	return &Persister{sink: sink}
}

// Sink returns the wrapped sink.
func (p *Persister) Sink() Sink {
	return p.sink
}

// Persist saves conv for the caller. Anonymous callers and empty
// conversations are skipped without error.
func (p *Persister) Persist(ctx context.Context, caller session.Result, conv model.Conversation) (Outcome, error) {
	if !caller.IsAuthenticated() {
		return OutcomeSkippedAnonymous, nil
	}
	if conv.IsEmpty() {
		return OutcomeSkippedEmpty, nil
	}

	chat := NewChat(conv, caller.UserID())
	if err := p.sink.SaveChat(ctx, chat); err != nil {
		return OutcomeSaved, fmt.Errorf("save chat %s: %w", chat.ID, err)
	}
	log.Printf("CHAT_SAVED | chat=%s user=%s messages=%d", chat.ID, chat.UserID, len(chat.Messages))
	return OutcomeSaved, nil
}

// Restore loads a chat for the caller. Anonymous callers get
// OutcomeUnauthenticated and no error.
func (p *Persister) Restore(ctx context.Context, caller session.Result, chatID string) (Chat, Outcome, error) {
	if !caller.IsAuthenticated() {
		return Chat{}, OutcomeUnauthenticated, nil
	}
	chat, err := p.sink.GetChat(ctx, caller.UserID(), chatID)
	if err != nil {
		return Chat{}, OutcomeRestored, err
	}
	return chat, OutcomeRestored, nil
}
