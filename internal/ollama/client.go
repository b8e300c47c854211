// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama streams triage replies from a local Ollama server. It is
// the self-hosted alternative to the cloud provider.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/triage/internal/llm"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout for health checks (default: 5s). Streams are bounded by the
	// caller's context only.
	Timeout time.Duration

	// Model used when a request names none.
	Model string

	// Temperature passed through to the model; zero leaves Ollama's default.
	Temperature float64
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "http://127.0.0.1:11434",
		Timeout: 5 * time.Second,
		Model:   "triage",
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client implements llm.Generator against Ollama's /api/chat endpoint.
// It is safe for concurrent use.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a client, filling zero fields from DefaultConfig.
func NewClient(config ClientConfig) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Model == "" {
		config.Model = def.Model
	}

	return &Client{
		config: config,
		// SECURITY: TLS not required - Ollama is expected on localhost over HTTP.
		httpClient: &http.Client{},
	}
}

// Name implements llm.Generator.
func (c *Client) Name() string {
	return "ollama"
}

// CheckHealth verifies that Ollama is reachable.
func (c *Client) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return llm.NewError(llm.KindUnavailable, "failed to create request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return llm.FromTransport(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return llm.FromStatus(resp.StatusCode, "unexpected status from Ollama: "+resp.Status)
	}
	return nil
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// Generate implements llm.Generator.
func (c *Client) Generate(ctx context.Context, req llm.Request) <-chan llm.Increment {
	w, ch := llm.NewPipe(ctx)

	go func() {
		defer w.Close()
		if err := c.stream(ctx, req, w); err != nil {
			log.Printf("OLLAMA_STREAM_FAILED | model=%s error=%v", c.modelFor(req), err)
			w.Fail(err)
		}
	}()

	return ch
}

func (c *Client) modelFor(req llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.config.Model
}

func (c *Client) stream(ctx context.Context, req llm.Request, w *llm.Writer) error {
	wire := req.WireMessages()
	messages := make([]Message, 0, len(wire))
	for _, m := range wire {
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}

	reqBody := ChatRequest{
		Model:    c.modelFor(req),
		Messages: messages,
		Stream:   true,
	}
	if c.config.Temperature > 0 {
		reqBody.Options = &Options{Temperature: c.config.Temperature}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return llm.NewError(llm.KindInvalidResponse, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return llm.NewError(llm.KindUnavailable, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return llm.FromTransport(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var ollamaErr OllamaError
		msg := ""
		if err := json.NewDecoder(resp.Body).Decode(&ollamaErr); err == nil {
			msg = ollamaErr.Error
		}
		return llm.FromStatus(resp.StatusCode, msg)
	}

	reader := NewStreamReader(resp.Body)
	for {
		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			// Body ended without done:true; Close reports it as incomplete.
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return llm.FromTransport(ctx.Err())
			}
			return llm.NewError(llm.KindInvalidResponse, "stream interrupted", err)
		}
		if chunk.Done {
			w.Finish(chunk.Message.Content)
			return nil
		}
		if !w.Delta(chunk.Message.Content) {
			return nil
		}
	}
}

// Helper to drain response body
func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
