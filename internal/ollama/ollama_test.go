// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/triage/internal/llm"
)

func ndjsonServer(t *testing.T, lines []string, capture *ChatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"models":[]}`)
		case "/api/chat":
			if capture != nil {
				require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
			}
			w.Header().Set("Content-Type", "application/x-ndjson")
			for _, l := range lines {
				fmt.Fprintln(w, l)
			}
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestGenerate_StreamsAndFinishes(t *testing.T) {
	var got ChatRequest
	srv := ndjsonServer(t, []string{
		`{"model":"triage","message":{"role":"assistant","content":"Try "},"done":false}`,
		``,
		`not json`,
		`{"model":"triage","message":{"role":"assistant","content":"resting"},"done":false}`,
		`{"model":"triage","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
	}, &got)
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, Model: "triage"})
	req := llm.Request{
		SystemPrompt: "You triage symptoms.",
		Messages:     []llm.Message{{Role: "user", Content: "I have a headache"}},
	}

	text, err := llm.Collect(context.Background(), client.Generate(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, "Try resting", text)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "I have a headache", got.Messages[1].Content)
	assert.True(t, got.Stream)
	assert.Equal(t, "triage", got.Model)
}

func TestGenerate_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'triage' not found"}`)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := llm.Collect(context.Background(), client.Generate(context.Background(), llm.Request{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrModelNotFound)
	assert.Contains(t, err.Error(), "not found")
}

func TestGenerate_MidStreamError(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"Try "},"done":false}`,
		`{"error":"out of memory"}`,
	}, nil)
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := llm.Collect(context.Background(), client.Generate(context.Background(), llm.Request{}))
	require.Error(t, err)
	assert.Equal(t, llm.KindInvalidResponse, llm.KindOf(err))
}

func TestGenerate_TruncatedStream(t *testing.T) {
	srv := ndjsonServer(t, []string{`{"message":{"content":"Try "},"done":false}`}, nil)
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := llm.Collect(context.Background(), client.Generate(context.Background(), llm.Request{}))
	assert.ErrorIs(t, err, llm.ErrIncomplete)
}

func TestGenerate_Unreachable(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := llm.Collect(context.Background(), client.Generate(context.Background(), llm.Request{}))
	assert.True(t, llm.IsUnavailable(err), "got %v", err)
}

func TestCheckHealth(t *testing.T) {
	srv := ndjsonServer(t, nil, nil)
	defer srv.Close()

	assert.NoError(t, NewClient(ClientConfig{BaseURL: srv.URL}).CheckHealth(context.Background()))
	assert.Error(t, NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"}).CheckHealth(context.Background()))
}

func TestStreamReader_SkipsNoise(t *testing.T) {
	r := NewStreamReader(strings.NewReader("\n\ngarbage\n{\"message\":{\"content\":\"x\"},\"done\":true}\n"))
	chunk, err := r.Next()
	require.NoError(t, err)
	assert.True(t, chunk.Done)
	assert.Equal(t, "x", chunk.Message.Content)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://example:11434/"})
	assert.Equal(t, "http://example:11434", c.config.BaseURL)
	assert.Equal(t, "triage", c.config.Model)
	assert.Equal(t, "ollama", c.Name())
}
