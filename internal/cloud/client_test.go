// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/triage/internal/llm"
)

func sseServer(t *testing.T, events []string, capture *ChatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if r.URL.Path == "/models" {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
}

func chunk(content string, finish string) string {
	if finish == "" {
		return fmt.Sprintf(`{"choices":[{"delta":{"content":%q},"finish_reason":null}]}`, content)
	}
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q},"finish_reason":%q}]}`, content, finish)
}

func TestGenerate_HeadacheReply(t *testing.T) {
	var got ChatRequest
	srv := sseServer(t, []string{
		chunk("Try ", ""),
		chunk("resting ", ""),
		chunk("and hydrating", ""),
		chunk("", "stop"),
		"[DONE]",
	}, &got)
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "ft:triage"})
	req := llm.Request{
		SystemPrompt: "You are a triage assistant.",
		Messages: []llm.Message{
			{Role: "user", Content: "I have a headache"},
			{Role: "system", Content: "[User performed action: check vitals. Details: {}]"},
		},
	}

	var deltas []string
	var final llm.Increment
	for inc := range client.Generate(context.Background(), req) {
		require.NoError(t, inc.Err)
		if inc.Done {
			final = inc
			continue
		}
		deltas = append(deltas, inc.Delta)
	}

	assert.Equal(t, []string{"Try ", "resting ", "and hydrating"}, deltas)
	assert.True(t, final.Done)
	assert.Equal(t, "Try resting and hydrating", final.Content)

	assert.Equal(t, "ft:triage", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "system", got.Messages[2].Role, "action records are forwarded")
}

func TestGenerate_DoneMarkerWithoutFinishReason(t *testing.T) {
	srv := sseServer(t, []string{chunk("ok", ""), "[DONE]"}, nil)
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})
	text, err := llm.Collect(context.Background(), client.Generate(context.Background(), llm.Request{}))
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestGenerate_NotConfigured(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := llm.Collect(context.Background(), client.Generate(context.Background(), llm.Request{}))
	require.Error(t, err)
	assert.Equal(t, llm.KindRejected, llm.KindOf(err))
}

func TestGenerate_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := llm.Collect(context.Background(), client.Generate(context.Background(), llm.Request{}))
	require.Error(t, err)
	assert.True(t, llm.IsUnavailable(err))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestGenerate_TruncatedStream(t *testing.T) {
	srv := sseServer(t, []string{chunk("Try ", "")}, nil)
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})
	_, err := llm.Collect(context.Background(), client.Generate(context.Background(), llm.Request{}))
	assert.ErrorIs(t, err, llm.ErrIncomplete)
}

func TestCheckHealth(t *testing.T) {
	srv := sseServer(t, nil, nil)
	defer srv.Close()

	assert.NoError(t, NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}).CheckHealth(context.Background()))
	assert.ErrorIs(t, NewClient(Config{BaseURL: srv.URL}).CheckHealth(context.Background()), ErrNotConfigured)
}

func TestSSEReader_MultiLineAndComments(t *testing.T) {
	in := ": keep-alive\n\nevent: message\ndata: line one\ndata: line two\n\ndata: last"
	r := NewSSEReader(strings.NewReader(in))

	ev, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "message", ev)
	assert.Equal(t, "line one\nline two", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "last", string(data))

	_, _, err = r.ReadEvent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestKeyFingerprint(t *testing.T) {
	c := NewClient(Config{APIKey: "secret"})
	fp := c.KeyFingerprint()
	assert.Len(t, fp, 8)
	assert.NotContains(t, fp, "secret")
	assert.Equal(t, "none", NewClient(Config{}).KeyFingerprint())
}
