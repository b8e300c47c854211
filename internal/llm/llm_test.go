// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/triage/internal/model"
)

func drain(t *testing.T, ch <-chan Increment) []Increment {
	t.Helper()
	var out []Increment
	deadline := time.After(2 * time.Second)
	for {
		select {
		case inc, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, inc)
		case <-deadline:
			t.Fatal("timed out draining increments")
		}
	}
}

func TestNewRequest_KeepsEveryRole(t *testing.T) {
	conv := model.NewConversation()
	conv.Messages = []model.Message{
		model.NewUserMessage("I have a headache"),
		model.NewAssistantMessage("How long?"),
		model.NewSystemMessage("[User performed action: check vitals. Details: {}]"),
	}

	req := NewRequest("triage-ft", "You are a triage assistant.", conv)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "system", req.Messages[2].Role)

	wire := req.WireMessages()
	require.Len(t, wire, 4)
	assert.Equal(t, "system", wire[0].Role)
	assert.Equal(t, "You are a triage assistant.", wire[0].Content)
	assert.Equal(t, "I have a headache", wire[1].Content)
}

func TestWireMessages_NoPrompt(t *testing.T) {
	req := Request{Messages: []Message{{Role: "user", Content: "hi"}}}
	assert.Len(t, req.WireMessages(), 1)
}

func TestScriptedGenerator_StreamsThenFinishes(t *testing.T) {
	gen := NewScriptedGenerator(ScriptedReply{Deltas: []string{"Try ", "resting ", "and hydrating"}})

	incs := drain(t, gen.Generate(context.Background(), Request{}))
	require.Len(t, incs, 4)
	for _, inc := range incs[:3] {
		assert.False(t, inc.Done)
	}
	last := incs[3]
	assert.True(t, last.Done)
	assert.Equal(t, "Try resting and hydrating", last.Content)
}

func TestScriptedGenerator_Error(t *testing.T) {
	gen := NewScriptedGenerator(ScriptedReply{
		Deltas: []string{"Try "},
		Err:    NewError(KindUnavailable, "provider down", nil),
	})

	incs := drain(t, gen.Generate(context.Background(), Request{}))
	require.Len(t, incs, 2)
	require.Error(t, incs[1].Err)
	assert.True(t, IsUnavailable(incs[1].Err))
	assert.False(t, incs[1].Done)
}

func TestScriptedGenerator_RecordsRequests(t *testing.T) {
	gen := NewScriptedGenerator(ScriptedReply{Deltas: []string{"a"}}, ScriptedReply{Deltas: []string{"b"}})
	ctx := context.Background()

	first, err := Collect(ctx, gen.Generate(ctx, Request{Model: "m1"}))
	require.NoError(t, err)
	second, err := Collect(ctx, gen.Generate(ctx, Request{Model: "m2"}))
	require.NoError(t, err)
	third, err := Collect(ctx, gen.Generate(ctx, Request{Model: "m3"}))
	require.NoError(t, err)

	assert.Equal(t, "a", first)
	assert.Equal(t, "b", second)
	assert.Equal(t, "b", third, "last reply repeats")
	assert.Len(t, gen.Requests(), 3)
}

func TestEchoGenerator(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}}
	got, err := Collect(context.Background(), EchoGenerator{}.Generate(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, "You said: second", got)
}

func TestWriter_CloseWithoutFinishIsIncomplete(t *testing.T) {
	w, ch := NewPipe(context.Background())
	go func() {
		w.Delta("half")
		w.Close()
	}()

	incs := drain(t, ch)
	require.Len(t, incs, 2)
	assert.ErrorIs(t, incs[1].Err, ErrIncomplete)
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusNotFound, KindModelNotFound},
		{http.StatusTooManyRequests, KindUnavailable},
		{http.StatusBadGateway, KindUnavailable},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusBadRequest, KindRejected},
		{http.StatusUnauthorized, KindRejected},
	}
	for _, tt := range tests {
		err := FromStatus(tt.status, "")
		assert.Equal(t, tt.kind, err.Kind, "status %d", tt.status)
		assert.Equal(t, tt.status, err.StatusCode)
	}
}

func TestFromTransport(t *testing.T) {
	assert.True(t, IsTimeout(FromTransport(context.DeadlineExceeded)))
	assert.True(t, IsUnavailable(FromTransport(errors.New("connection refused"))))

	orig := NewError(KindRejected, "bad", nil)
	assert.Same(t, orig, FromTransport(orig))
}

func TestModelError_Is(t *testing.T) {
	err := NewError(KindModelNotFound, "no such model: triage", nil)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "model_not_found", err.Kind.String())
}
