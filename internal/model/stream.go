// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrStreamClosed is returned when writing to a stream that already
// finished (closed or failed).
var ErrStreamClosed = errors.New("stream already finished")

// =============================================================================
// STREAM STATE
// =============================================================================

// StreamState is the lifecycle state of a StreamBuffer.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamClosed
	StreamFailed
)

// String returns the wire name of the state.
func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamClosed:
		return "closed"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsFinal reports whether no more text can arrive.
func (s StreamState) IsFinal() bool {
	return s != StreamOpen
}

// =============================================================================
// STREAM BUFFER
// =============================================================================

// StreamBuffer accumulates text from one writer and fans it out to any
// number of followers. It moves from open to closed or failed exactly once.
type StreamBuffer struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	content    strings.Builder // PERFORMANCE: avoids quadratic concat while streaming
	state      StreamState
	err        error
	finishedAt time.Time
	// notify is closed and replaced on every change; followers wait on it.
	notify chan struct{}
}

// NewStreamBuffer creates an open, empty stream.
func NewStreamBuffer() *StreamBuffer {
	return &StreamBuffer{
		id:        NewID(),
		createdAt: time.Now(),
		notify:    make(chan struct{}),
	}
}

// ID returns the stream's identifier.
func (b *StreamBuffer) ID() string {
	return b.id
}

// Append adds a fragment to an open stream.
func (b *StreamBuffer) Append(delta string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StreamOpen {
		return ErrStreamClosed
	}
	if delta == "" {
		return nil
	}
	b.content.WriteString(delta)
	b.broadcastLocked()
	return nil
}

// Close finishes the stream. The final content replaces whatever was
// accumulated so the closed buffer always equals the producer's full text.
func (b *StreamBuffer) Close(final string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StreamOpen {
		return ErrStreamClosed
	}
	if final != b.content.String() {
		b.content.Reset()
		b.content.WriteString(final)
	}
	b.state = StreamClosed
	b.finishedAt = time.Now()
	b.broadcastLocked()
	return nil
}

// Fail finishes the stream with an error. Text streamed so far is kept.
func (b *StreamBuffer) Fail(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StreamOpen {
		return ErrStreamClosed
	}
	if err == nil {
		err = errors.New("stream failed")
	}
	b.state = StreamFailed
	b.err = err
	b.finishedAt = time.Now()
	b.broadcastLocked()
	return nil
}

func (b *StreamBuffer) broadcastLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// StreamSnapshot is a point-in-time view of a StreamBuffer.
type StreamSnapshot struct {
	ID         string
	Content    string
	State      StreamState
	Err        error
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Snapshot returns the current content and state.
func (b *StreamBuffer) Snapshot() StreamSnapshot {
	snap, _ := b.snapshot()
	return snap
}

func (b *StreamBuffer) snapshot() (StreamSnapshot, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return StreamSnapshot{
		ID:         b.id,
		Content:    b.content.String(),
		State:      b.state,
		Err:        b.err,
		CreatedAt:  b.createdAt,
		FinishedAt: b.finishedAt,
	}, b.notify
}

// Wait blocks until the stream finishes or ctx is done.
func (b *StreamBuffer) Wait(ctx context.Context) (StreamSnapshot, error) {
	for {
		snap, changed := b.snapshot()
		if snap.State.IsFinal() {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// =============================================================================
// FOLLOWING
// =============================================================================

// StreamEventType identifies what a StreamEvent carries.
type StreamEventType string

const (
	EventDelta StreamEventType = "delta"
	EventDone  StreamEventType = "done"
	EventError StreamEventType = "error"
)

// StreamEvent is one observation delivered to a follower.
type StreamEvent struct {
	Type StreamEventType
	// Delta is new text since the previous event.
	Delta string
	// Content is the full text; set on done and error events.
	Content string
	Err     error
}

// Follow returns a channel that replays the stream from the beginning and
// then delivers new text as it arrives. The channel ends with exactly one
// done or error event, or closes early when ctx is cancelled.
func (b *StreamBuffer) Follow(ctx context.Context) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)

		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sent := ""
		for {
			snap, changed := b.snapshot()

			// Close may replace the text; only emit a delta when what was
			// already sent is still a prefix.
			if len(snap.Content) > len(sent) && strings.HasPrefix(snap.Content, sent) {
				if !send(StreamEvent{Type: EventDelta, Delta: snap.Content[len(sent):]}) {
					return
				}
				sent = snap.Content
			}

			switch snap.State {
			case StreamClosed:
				send(StreamEvent{Type: EventDone, Content: snap.Content})
				return
			case StreamFailed:
				send(StreamEvent{Type: EventError, Content: snap.Content, Err: snap.Err})
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events
}
