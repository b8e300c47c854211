// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the triage chat over HTTP.
//
// Replies and action progress are delivered as Server-Sent Events from
// /api/streams/{id}; every other endpoint is plain JSON. Callers identify
// themselves with a session ID issued by POST /api/session. Requests
// without one are served as anonymous and their chats are never saved.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/triage/internal/chat"
	"github.com/jeranaias/triage/internal/config"
	"github.com/jeranaias/triage/internal/session"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// SweepInterval is how often expired sessions, idle chats, finished
	// streams and idle rate limit entries are dropped.
	SweepInterval = time.Minute

	// LimiterIdle is how long a client may be silent before its rate limit
	// state is forgotten.
	LimiterIdle = 10 * time.Minute

	// Version is the server version.
	Version = "0.3.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Options configures a Server.
type Options struct {
	Config   config.ServerConfig
	Chat     *chat.Service
	Sessions *session.Manager
	Logger   *log.Logger

	// ChatIdle drops in-memory chats untouched this long (default
	// chat.DefaultChatIdle)
	ChatIdle time.Duration
}

// Server is the HTTP front end of the chat service.
type Server struct {
	config   config.ServerConfig
	chat     *chat.Service
	sessions *session.Manager
	logger   *log.Logger
	limiter  *RateLimiter
	proxies  *TrustedProxies
	chatIdle time.Duration
	router   *http.ServeMux
	started  time.Time

	mu     sync.Mutex
	server *http.Server
	stop   context.CancelFunc
}

// NewServer creates a server with routes registered.
func NewServer(opts Options) *Server {
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(session.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ChatIdle <= 0 {
		opts.ChatIdle = chat.DefaultChatIdle
	}
	s := &Server{
		config:   opts.Config,
		chat:     opts.Chat,
		sessions: opts.Sessions,
		logger:   opts.Logger,
		limiter:  NewRateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst),
		proxies:  NewTrustedProxies(opts.Config.TrustedProxies),
		chatIdle: opts.ChatIdle,
		router:   http.NewServeMux(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/session", s.handleLogin)
	s.router.HandleFunc("DELETE /api/session", s.handleLogout)

	s.router.HandleFunc("POST /api/chats", s.handleNewChat)
	s.router.HandleFunc("GET /api/chats", s.handleListChats)
	s.router.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	s.router.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	s.router.HandleFunc("GET /api/chats/{id}/export", s.handleExportChat)
	s.router.HandleFunc("POST /api/chats/{id}/messages", s.handleSendMessage)
	s.router.HandleFunc("POST /api/chats/{id}/actions", s.handleDispatchAction)

	s.router.HandleFunc("GET /api/actions/{id}", s.handleGetAction)
	s.router.HandleFunc("GET /api/streams/{id}", s.handleStream)

	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		CORSMiddleware(DefaultCORSConfig(s.config.AllowedOrigins)),
		RateLimitMiddleware(s.limiter, s.proxies),
		SessionMiddleware(s.sessions),
		LoggingMiddleware(s.logger),
	)(s.router)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops. It returns nil
// after a graceful Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Zero: event streams stay open for the whole reply.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.stop = cancel
	srv := s.server
	s.mu.Unlock()

	go s.sweepLoop(ctx)

	log.Printf("SERVER_START | addr=%s version=%s", s.config.Addr, Version)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	cancel()
	return err
}

// Shutdown gracefully shuts down the server, then waits for replies and
// actions still running so their chats are committed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, stop := s.server, s.stop
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	stop()

	err := srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.chat.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("SERVER_SHUTDOWN | complete")
	case <-ctx.Done():
		log.Printf("SERVER_SHUTDOWN | background work still running: %v", ctx.Err())
	}
	return err
}

// sweepLoop drops expired state until ctx is done.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep drops expired sessions, idle chats, finished streams past
// retention and idle rate limit entries.
func (s *Server) Sweep() {
	sessions := s.sessions.Sweep()
	chats := s.chat.SweepChats(s.chatIdle)
	streams := s.chat.SweepStreams()
	clients := s.limiter.Cleanup(LimiterIdle)
	if sessions+chats+streams+clients > 0 {
		log.Printf("SERVER_SWEEP | sessions=%d chats=%d streams=%d clients=%d", sessions, chats, streams, clients)
	}
}
