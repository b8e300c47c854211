// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session resolves who is talking to the service. Every lookup
// yields an explicit Result; an anonymous caller is a normal outcome, not
// an error.
package session

import "context"

// =============================================================================
// IDENTITY AND RESULT
// =============================================================================

// Identity is an authenticated user.
type Identity struct {
	UserID string `json:"id"`
}

// Outcome is the kind of a Result.
type Outcome int

const (
	OutcomeAnonymous Outcome = iota
	OutcomeAuthenticated
)

// String returns the wire name of the outcome.
func (o Outcome) String() string {
	if o == OutcomeAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Result is the answer to "who is the caller".
type Result struct {
	Outcome   Outcome
	Identity  Identity
	SessionID string
}

// Anonymous returns the result for a caller without a session.
func Anonymous() Result {
	return Result{Outcome: OutcomeAnonymous}
}

// Authenticated returns the result for a known user.
func Authenticated(userID, sessionID string) Result {
	return Result{
		Outcome:   OutcomeAuthenticated,
		Identity:  Identity{UserID: userID},
		SessionID: sessionID,
	}
}

// IsAuthenticated reports whether the caller has an identity.
func (r Result) IsAuthenticated() bool {
	return r.Outcome == OutcomeAuthenticated && r.Identity.UserID != ""
}

// UserID returns the caller's user ID, or "" when anonymous.
func (r Result) UserID() string {
	if !r.IsAuthenticated() {
		return ""
	}
	return r.Identity.UserID
}

// =============================================================================
// GATE
// =============================================================================

// Gate answers the current caller's session. Chats ask it again at every
// commit, so a session that ended mid-reply is seen before anything is
// written.
type Gate interface {
	CurrentSession(ctx context.Context) Result
}

type resultKey struct{}

// WithResult stores a resolved Result in ctx.
func WithResult(ctx context.Context, r Result) context.Context {
	return context.WithValue(ctx, resultKey{}, r)
}

// FromContext returns the Result stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Result {
	if r, ok := ctx.Value(resultKey{}).(Result); ok {
		return r
	}
	return Anonymous()
}

// StaticGate always answers the same Result. The terminal client uses it
// for the user it was started as.
type StaticGate Result

// CurrentSession implements Gate.
func (g StaticGate) CurrentSession(context.Context) Result {
	return Result(g)
}
