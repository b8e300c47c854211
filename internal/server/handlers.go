// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/triage/internal/chat"
	"github.com/jeranaias/triage/internal/llm"
	"github.com/jeranaias/triage/internal/model"
	"github.com/jeranaias/triage/internal/session"
	"github.com/jeranaias/triage/internal/storage"
	"github.com/jeranaias/triage/internal/tasks"
	"github.com/jeranaias/triage/internal/ui"
)

// ============================================================================
// REQUEST/RESPONSE TYPES
// ============================================================================

// LoginRequest is the body of POST /api/session.
type LoginRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// LoginResponse is returned by POST /api/session.
type LoginResponse struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChatResponse describes a chat and its current display state.
type ChatResponse struct {
	ChatID string   `json:"chat_id"`
	Title  string   `json:"title"`
	Path   string   `json:"path"`
	UI     ui.State `json:"ui"`
}

// MessageRequest is the body of POST /api/chats/{id}/messages.
type MessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse holds the entries a client adds to its view right away.
// The assistant entry is a stream; follow it at /api/streams/{stream_id}.
type MessageResponse struct {
	User      ui.Entry `json:"user"`
	Assistant ui.Entry `json:"assistant"`
}

// ActionRequest is the body of POST /api/chats/{id}/actions.
type ActionRequest struct {
	Action  string          `json:"action"`
	Details json.RawMessage `json:"details"`
}

// ActionResponse names the streams an action reports through.
type ActionResponse struct {
	TaskID  string `json:"task_id"`
	ChatID  string `json:"chat_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Provider       string `json:"provider"`
	ProviderOK     bool   `json:"provider_ok"`
	ProviderError  string `json:"provider_error,omitempty"`
	StorageOK      bool   `json:"storage_ok"`
	StorageError   string `json:"storage_error,omitempty"`
	ActiveChats    int    `json:"active_chats"`
	ActiveSessions int    `json:"active_sessions"`
	RunningActions int    `json:"running_actions"`
	Uptime         string `json:"uptime"`
}

// ============================================================================
// SESSION HANDLERS
// ============================================================================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.sessions.Login(req.UserID, req.Token)
	if err != nil {
		// SECURITY: same answer for unknown users and wrong tokens.
		log.Printf("LOGIN_FAILED | ip=%s", s.proxies.ClientIP(r))
		writeError(w, http.StatusUnauthorized, "authentication_error", "Invalid credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, LoginResponse{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id := sessionID(r); id != "" {
		s.sessions.Logout(id)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// CHAT HANDLERS
// ============================================================================

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	caller := session.FromContext(r.Context())
	sess := s.chat.NewChat(caller)
	writeJSON(w, http.StatusCreated, chatResponse(sess))
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chat.List(r.Context(), session.FromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if chats == nil {
		chats = []storage.ChatMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.chat.Open(r.Context(), session.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse(sess))
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.Delete(r.Context(), session.FromContext(r.Context()), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportChat(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	exporter, err := storage.NewExporter(format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	record, err := s.chat.Record(r.Context(), session.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", exporter.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"chat-%s.%s\"", record.ID, exporter.Extension()))
	if err := exporter.Export(record, w); err != nil {
		log.Printf("EXPORT_FAILED | chat=%s format=%s error=%v", record.ID, format, err)
	}
}

func chatResponse(sess *chat.Session) ChatResponse {
	record := storage.NewChat(sess.Store.Live(), sess.Owner())
	return ChatResponse{
		ChatID: sess.ChatID(),
		Title:  record.Title,
		Path:   record.Path,
		UI:     sess.View(),
	}
}

// ============================================================================
// MESSAGE HANDLER
// ============================================================================

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.chat.Open(r.Context(), session.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	sub, err := s.chat.Submit(r.Context(), sess, req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, MessageResponse{
		User: ui.Entry{
			ID:      sub.User.ID,
			Role:    model.RoleUser,
			Display: ui.Display{Kind: ui.DisplayText, Text: sub.User.Content},
		},
		Assistant: ui.Entry{
			ID:      sub.ReplyID,
			Role:    model.RoleAssistant,
			Display: ui.Display{Kind: ui.DisplayStream, StreamID: sub.Reply.ID()},
		},
	})
}

// ============================================================================
// ACTION HANDLERS
// ============================================================================

func (s *Server) handleDispatchAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Details) == 0 || string(req.Details) == "null" {
		req.Details = json.RawMessage("{}")
	}
	sess, err := s.chat.Open(r.Context(), session.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	d, err := s.chat.Dispatch(r.Context(), sess, req.Action, req.Details)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ActionResponse{
		TaskID:  d.Task.ID,
		ChatID:  sess.ChatID(),
		Status:  d.Status.ID(),
		Message: d.Message.ID(),
	})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.chat.Action(session.FromContext(r.Context()), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found_error", "Action not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ============================================================================
// STREAM HANDLER
// ============================================================================

// streamPayload is the data of one SSE event.
type streamPayload struct {
	Delta   string `json:"delta,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// handleStream replays a buffer and then relays it live as SSE. The last
// event is always done or error unless the client leaves first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	buf, ok := s.chat.Stream(session.FromContext(r.Context()), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found_error", "Stream not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range buf.Follow(r.Context()) {
		payload := streamPayload{Delta: ev.Delta, Content: ev.Content}
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
			payload.Kind = llm.KindOf(ev.Err).String()
		}
		if err := writeEvent(w, string(ev.Type), payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// pinger is implemented by sinks that can check their backing store.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	gen := s.chat.Generator()
	resp := HealthResponse{
		Status:         "ok",
		Version:        Version,
		Provider:       gen.Name(),
		ProviderOK:     true,
		StorageOK:      true,
		ActiveChats:    s.chat.ActiveChats(),
		ActiveSessions: s.sessions.ActiveCount(),
		RunningActions: s.chat.RunningActions(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
	}

	if hc, ok := gen.(llm.HealthChecker); ok {
		if err := hc.CheckHealth(ctx); err != nil {
			resp.ProviderOK = false
			resp.ProviderError = err.Error()
			resp.Status = "degraded"
		}
	}
	if p := s.chat.Persister(); p != nil {
		if pg, ok := p.Sink().(pinger); ok {
			if err := pg.Ping(ctx); err != nil {
				resp.StorageOK = false
				resp.StorageError = err.Error()
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// HELPERS
// ============================================================================

// decodeBody reads a size-limited JSON body into v. It writes a 400 and
// returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	// SECURITY: Limit request body size to prevent DoS attacks
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps chat service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
	case errors.Is(err, storage.ErrChatNotFound), errors.Is(err, storage.ErrChatOwned):
		// SECURITY: another user's chat looks exactly like a missing one.
		writeError(w, http.StatusNotFound, "not_found_error", storage.ErrChatNotFound.Error())
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, tasks.ErrEmptyAction),
		errors.Is(err, tasks.ErrInvalidDetails):
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, tasks.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "server_error", err.Error())
	default:
		log.Printf("REQUEST_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "server_error", "Internal server error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorBody is the error envelope every endpoint uses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Message: message, Type: errType, Code: status}})
}
