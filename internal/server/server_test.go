// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/triage/internal/chat"
	"github.com/jeranaias/triage/internal/cloud"
	"github.com/jeranaias/triage/internal/config"
	"github.com/jeranaias/triage/internal/llm"
	"github.com/jeranaias/triage/internal/session"
	"github.com/jeranaias/triage/internal/storage"
	"github.com/jeranaias/triage/internal/tasks"
	"github.com/jeranaias/triage/internal/ui"
)

const testToken = "long-enough-token"

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	chat     *chat.Service
	sink     *storage.FileStore
	sessions *session.Manager
}

func newTestEnv(t *testing.T, gen llm.Generator) *testEnv {
	t.Helper()

	sink, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	hash, err := session.HashToken(testToken)
	require.NoError(t, err)

	sessions := session.NewManager(session.Config{Timeout: time.Hour, Users: map[string]string{"alice": hash}})
	svc := chat.NewService(chat.Options{
		Generator:  gen,
		Prompt:     chat.StaticPrompt("You are a triage assistant."),
		Persister:  storage.NewPersister(sink),
		Dispatcher: tasks.NewDispatcher(tasks.NewQueue(10), time.Millisecond),
		Gate:       sessions,
	})

	cfg := config.Default().Server
	cfg.RateLimitRPS = 1000
	cfg.RateLimitBurst = 1000
	cfg.AllowedOrigins = []string{"http://localhost:3000"}

	srv := NewServer(Options{
		Config:   cfg,
		Chat:     svc,
		Sessions: sessions,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		svc.Shutdown()
	})
	return &testEnv{srv: srv, http: ts, chat: svc, sink: sink, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, method, path, sessionID string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/session", "", LoginRequest{UserID: "alice", Token: testToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[LoginResponse](t, resp).SessionID
}

func (e *testEnv) newChat(t *testing.T, sessionID string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/chats", sessionID, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[ChatResponse](t, resp).ChatID
}

type sseEvent struct {
	Type    string
	Payload streamPayload
}

// follow reads a stream endpoint to the end.
func (e *testEnv) follow(t *testing.T, streamID, sessionID string) []sseEvent {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/streams/"+streamID, sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []sseEvent
	reader := cloud.NewSSEReader(resp.Body)
	for {
		typ, data, err := reader.ReadEvent()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		var p streamPayload
		require.NoError(t, json.Unmarshal(data, &p))
		events = append(events, sseEvent{Type: typ, Payload: p})
	}
}

// =============================================================================
// CHAT FLOW TESTS
// =============================================================================

func TestServer_HeadacheConversation(t *testing.T) {
	env := newTestEnv(t, llm.NewScriptedGenerator(llm.ScriptedReply{
		Deltas: []string{"How long ", "has it lasted?"},
	}))
	chatID := env.newChat(t, "")

	resp := env.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", "", MessageRequest{Content: "I have a headache"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	msg := decode[MessageResponse](t, resp)
	assert.Equal(t, ui.DisplayText, msg.User.Display.Kind)
	assert.Equal(t, "I have a headache", msg.User.Display.Text)
	assert.Equal(t, ui.DisplayStream, msg.Assistant.Display.Kind)

	events := env.follow(t, msg.Assistant.Display.StreamID, "")
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Type)
	assert.Equal(t, "How long has it lasted?", last.Payload.Content)

	var streamed strings.Builder
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, "delta", ev.Type)
		streamed.WriteString(ev.Payload.Delta)
	}
	assert.Equal(t, last.Payload.Content, streamed.String())

	env.chat.Wait()
	view := decode[ChatResponse](t, env.do(t, http.MethodGet, "/api/chats/"+chatID, "", nil))
	require.Len(t, view.UI, 2)
	assert.Equal(t, "user", string(view.UI[0].Role))
	assert.Equal(t, "assistant", string(view.UI[1].Role))
	assert.Equal(t, "How long has it lasted?", view.UI[1].Display.Text)
	assert.Equal(t, "I have a headache", view.Title)
}

func TestServer_AnonymousChatsAreNotSaved(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})
	chatID := env.newChat(t, "")

	resp := env.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", "", MessageRequest{Content: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.chat.Wait()

	resp = env.do(t, http.MethodGet, "/api/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	saved, err := env.sink.ListChats(t.Context(), "")
	if err == nil {
		assert.Empty(t, saved)
	}
}

func TestServer_SignedInChatsAreListed(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})
	sid := env.login(t)
	chatID := env.newChat(t, sid)

	long := strings.Repeat("a", 150)
	resp := env.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", sid, MessageRequest{Content: long})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.chat.Wait()

	resp = env.do(t, http.MethodGet, "/api/chats", sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Chats []storage.ChatMeta `json:"chats"`
	}](t, resp)
	require.Len(t, list.Chats, 1)
	assert.Equal(t, chatID, list.Chats[0].ID)
	assert.Len(t, list.Chats[0].Title, 100)
	assert.Equal(t, "/chat/"+chatID, list.Chats[0].Path)

	// Another caller cannot see it.
	resp = env.do(t, http.MethodGet, "/api/chats/"+chatID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/chats/"+chatID, sid, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/chats/"+chatID, sid, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CheckVitalsAction(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})
	chatID := env.newChat(t, "")

	resp := env.do(t, http.MethodPost, "/api/chats/"+chatID+"/actions", "", ActionRequest{
		Action:  "check vitals",
		Details: json.RawMessage(`{"bp":"120/80"}`),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	act := decode[ActionResponse](t, resp)
	assert.Equal(t, chatID, act.ChatID)

	status := env.follow(t, act.Status, "")
	require.NotEmpty(t, status)
	assert.Equal(t, "done", status[len(status)-1].Type)
	assert.Equal(t, "started\nin progress\ndone", status[len(status)-1].Payload.Content)

	message := env.follow(t, act.Message, "")
	require.NotEmpty(t, message)
	record := message[len(message)-1].Payload.Content
	assert.Contains(t, record, "User performed action: check vitals")
	assert.Contains(t, record, `"bp":"120/80"`)

	env.chat.Wait()
	resp = env.do(t, http.MethodGet, "/api/actions/"+act.TaskID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[tasks.Snapshot](t, resp)
	assert.Equal(t, tasks.PhaseDone, snap.Phase)

	// The record is a system message and never reaches the display.
	view := decode[ChatResponse](t, env.do(t, http.MethodGet, "/api/chats/"+chatID, "", nil))
	assert.Empty(t, view.UI)
}

func TestServer_Validation(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})
	chatID := env.newChat(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"blank message", http.MethodPost, "/api/chats/" + chatID + "/messages", MessageRequest{Content: "   "}, http.StatusBadRequest},
		{"blank action", http.MethodPost, "/api/chats/" + chatID + "/actions", ActionRequest{Action: " "}, http.StatusBadRequest},
		{"saved chat needs sign in", http.MethodPost, "/api/chats/nope/messages", MessageRequest{Content: "hi"}, http.StatusUnauthorized},
		{"unknown action", http.MethodGet, "/api/actions/nope", nil, http.StatusNotFound},
		{"unknown stream", http.MethodGet, "/api/streams/nope", nil, http.StatusNotFound},
		{"bad login", http.MethodPost, "/api/session", LoginRequest{UserID: "alice", Token: "wrong-token-value"}, http.StatusUnauthorized},
		{"bad export format", http.MethodGet, "/api/chats/" + chatID + "/export?format=pdf", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[ErrorBody](t, resp)
			assert.Equal(t, tt.status, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})
	chatID := env.newChat(t, "")

	resp, err := env.http.Client().Post(env.http.URL+"/api/chats/"+chatID+"/messages", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Export(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})
	chatID := env.newChat(t, "")
	env.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", "", MessageRequest{Content: "sore throat"})
	env.chat.Wait()

	resp := env.do(t, http.MethodGet, "/api/chats/"+chatID+"/export?format=md", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "chat-"+chatID+".md")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sore throat")
}

func TestServer_LogoutEndsSession(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})
	sid := env.login(t)

	resp := env.do(t, http.MethodGet, "/api/chats", sid, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/session", sid, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/chats", sid, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "EXPIRED", resp.Header.Get("X-Session-State"))
}

func TestServer_LogoutWhileStreamingSkipsSave(t *testing.T) {
	env := newTestEnv(t, llm.NewScriptedGenerator(llm.ScriptedReply{
		Deltas: []string{"How long ", "has it lasted?"},
		Delay:  100 * time.Millisecond,
	}))
	sid := env.login(t)
	chatID := env.newChat(t, sid)

	resp := env.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", sid, MessageRequest{Content: "I have a headache"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/session", sid, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	env.chat.Wait()

	_, err := env.sink.GetChat(context.Background(), "alice", chatID)
	assert.ErrorIs(t, err, storage.ErrChatNotFound, "the reply finished after logout and must not be saved")
}

func TestServer_SweepDropsIdleChats(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})
	for i := 0; i < 3; i++ {
		env.newChat(t, "")
	}
	require.Equal(t, 3, env.chat.ActiveChats())

	env.srv.Sweep()
	assert.Equal(t, 3, env.chat.ActiveChats(), "fresh chats are kept")

	env.srv.chatIdle = time.Nanosecond
	time.Sleep(time.Millisecond)
	env.srv.Sweep()
	assert.Equal(t, 0, env.chat.ActiveChats())
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, llm.EchoGenerator{})

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "echo", h.Provider)
	assert.True(t, h.StorageOK)
	assert.Equal(t, Version, h.Version)
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	clock := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, rl.Allow("10.0.0.2"), "clients are independent")

	clock = clock.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"), "one token refilled")

	clock = clock.Add(time.Hour)
	assert.Equal(t, 2, rl.Cleanup(time.Minute))

	unlimited := NewRateLimiter(0, 1)
	for i := 0; i < 50; i++ {
		assert.True(t, unlimited.Allow("10.0.0.3"))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := RateLimitMiddleware(rl, NewTrustedProxies(nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestTrustedProxies_ClientIP(t *testing.T) {
	tp := NewTrustedProxies([]string{"127.0.0.1", "10.0.0.0/8", "not-an-ip"})

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct client", "203.0.113.5:1234", "", "203.0.113.5"},
		{"spoofed header ignored", "203.0.113.5:1234", "1.2.3.4", "203.0.113.5"},
		{"trusted proxy", "127.0.0.1:5555", "198.51.100.7, 127.0.0.1", "198.51.100.7"},
		{"trusted range", "10.1.2.3:80", "198.51.100.8", "198.51.100.8"},
		{"garbage header", "10.1.2.3:80", "not-an-ip", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, tp.ClientIP(req))
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware(DefaultCORSConfig([]string{"http://localhost:3000", "*.example.com"}))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodOptions, "/api/chats", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), SessionHeader)

	req = httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSessionMiddleware_Cookie(t *testing.T) {
	hash, err := session.HashToken(testToken)
	require.NoError(t, err)
	m := session.NewManager(session.Config{Timeout: time.Hour, Users: map[string]string{"bob": hash}})
	sess, err := m.Login("bob", testToken)
	require.NoError(t, err)

	var got session.Result
	h := SessionMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = session.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, got.IsAuthenticated())
	assert.Equal(t, "bob", got.UserID())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, got.IsAuthenticated())
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"), mw("c"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}
