// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"sync"
	"time"
)

// ScriptedReply is one canned reply for a ScriptedGenerator.
type ScriptedReply struct {
	// Deltas are streamed in order before the terminal increment.
	Deltas []string
	// Err, when set, is delivered after the deltas instead of completion.
	Err error
	// Delay is waited before each delta.
	Delay time.Duration
}

// ScriptedGenerator replays canned replies in order. It backs tests and the
// offline "echo" provider. The last reply repeats once the script runs out.
type ScriptedGenerator struct {
	mu       sync.Mutex
	replies  []ScriptedReply
	next     int
	requests []Request
}

// NewScriptedGenerator creates a generator with the given replies.
func NewScriptedGenerator(replies ...ScriptedReply) *ScriptedGenerator {
	return &ScriptedGenerator{replies: replies}
}

// Name implements Generator.
func (s *ScriptedGenerator) Name() string {
	return "scripted"
}

// Requests returns every request received so far.
func (s *ScriptedGenerator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *ScriptedGenerator) take(req Request) ScriptedReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return ScriptedReply{Deltas: []string{"(no reply scripted)"}}
	}
	r := s.replies[s.next]
	if s.next < len(s.replies)-1 {
		s.next++
	}
	return r
}

// Generate implements Generator.
func (s *ScriptedGenerator) Generate(ctx context.Context, req Request) <-chan Increment {
	reply := s.take(req)
	w, ch := NewPipe(ctx)

	go func() {
		defer w.Close()
		for _, d := range reply.Deltas {
			if reply.Delay > 0 {
				select {
				case <-time.After(reply.Delay):
				case <-ctx.Done():
					w.Fail(ctx.Err())
					return
				}
			}
			if !w.Delta(d) {
				return
			}
		}
		if reply.Err != nil {
			w.Fail(reply.Err)
			return
		}
		w.Finish("")
	}()

	return ch
}

// EchoGenerator answers every request by repeating the last user message.
// It lets the service run without a model backend.
type EchoGenerator struct{}

// Name implements Generator.
func (EchoGenerator) Name() string {
	return "echo"
}

// Generate implements Generator.
func (EchoGenerator) Generate(ctx context.Context, req Request) <-chan Increment {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	w, ch := NewPipe(ctx)
	go func() {
		defer w.Close()
		if !w.Delta("You said: ") {
			return
		}
		w.Finish(last)
	}()
	return ch
}
