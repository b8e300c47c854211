// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud streams triage replies from a hosted, OpenAI-compatible
// chat completions endpoint, where the fine-tuned triage model is served.
//
// CLOUD: API keys never reach the logs; only a short fingerprint does.
package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/triage/internal/llm"
)

// Configuration constants.
const (
	// DefaultBaseURL is the OpenAI-compatible API root.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout bounds health checks. Streams are bounded by context.
	DefaultTimeout = 10 * time.Second

	// MaxErrorBody caps how much of an error response is read.
	// SECURITY: prevents memory exhaustion from hostile upstreams.
	MaxErrorBody = 64 * 1024
)

// ErrNotConfigured indicates the API key is not set.
var ErrNotConfigured = llm.NewError(llm.KindRejected, "model API key not configured", nil)

// PERFORMANCE: Shared transport pools connections across requests.
// SECURITY: TLS 1.2+ with verification.
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	TLSClientConfig: &tls.Config{
		MinVersion: tls.VersionTLS12,
	},
}

// =============================================================================
// CLIENT
// =============================================================================

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client implements llm.Generator against /chat/completions with
// stream=true. It is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a hosted-model client.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Transport: sharedTransport},
	}
}

// Name implements llm.Generator.
func (c *Client) Name() string {
	return "cloud"
}

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// KeyFingerprint returns a short hash of the API key safe for logs.
func (c *Client) KeyFingerprint() string {
	if c.config.APIKey == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(c.config.APIKey))
	return hex.EncodeToString(sum[:4])
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}

// CheckHealth lists models to confirm the endpoint and key work.
func (c *Client) CheckHealth(ctx context.Context) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models", nil)
	if err != nil {
		return llm.NewError(llm.KindUnavailable, "failed to create request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return llm.FromTransport(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, MaxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return llm.FromStatus(resp.StatusCode, "health check failed: "+resp.Status)
	}
	return nil
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// ChatRequest is the request body for /chat/completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// APIError is the error object OpenAI-compatible servers return.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// Generate implements llm.Generator.
func (c *Client) Generate(ctx context.Context, req llm.Request) <-chan llm.Increment {
	w, ch := llm.NewPipe(ctx)

	go func() {
		defer w.Close()
		if err := c.stream(ctx, req, w); err != nil {
			log.Printf("CLOUD_STREAM_FAILED | model=%s key=%s error=%v", c.modelFor(req), c.KeyFingerprint(), err)
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
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(ChatRequest{
		Model:       c.modelFor(req),
		Messages:    req.WireMessages(),
		Stream:      true,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	})
	if err != nil {
		return llm.NewError(llm.KindInvalidResponse, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return llm.NewError(llm.KindUnavailable, "failed to create request", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return llm.FromTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	return processStream(resp.Body, w)
}

// processStream forwards SSE chunks into w until a finish reason or the
// [DONE] marker, whichever comes first.
func processStream(body io.Reader, w *llm.Writer) error {
	reader := NewSSEReader(body)
	for {
		_, data, err := reader.ReadEvent()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return llm.NewError(llm.KindInvalidResponse, "stream interrupted", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			w.Finish("")
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}
		if chunk.Error != nil {
			return llm.NewError(llm.KindRejected, chunk.Error.Message, nil)
		}
		if chunk.IsDone() {
			w.Finish(chunk.GetContent())
			return nil
		}
		if !w.Delta(chunk.GetContent()) {
			return nil
		}
	}
}

func errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))
	var envelope struct {
		Error APIError `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(raw, &envelope); err == nil {
		msg = envelope.Error.Message
	}
	return llm.FromStatus(resp.StatusCode, msg)
}
