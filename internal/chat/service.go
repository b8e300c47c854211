// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/triage/internal/llm"
	"github.com/jeranaias/triage/internal/model"
	"github.com/jeranaias/triage/internal/session"
	"github.com/jeranaias/triage/internal/storage"
	"github.com/jeranaias/triage/internal/tasks"
)

const (
	// DefaultMaxMessageRunes bounds a single user message.
	DefaultMaxMessageRunes = 8000

	// DefaultChatIdle is how long an untouched chat stays in memory.
	DefaultChatIdle = 30 * time.Minute
)

var (
	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("message content is required")

	// ErrMessageTooLong is returned when a message exceeds the limit.
	ErrMessageTooLong = errors.New("message is too long")

	// ErrUnauthenticated is returned for operations on saved chats by
	// anonymous callers.
	ErrUnauthenticated = errors.New("sign in to access saved chats")
)

// PromptProvider supplies the system prompt for each generation.
type PromptProvider interface {
	Current() string
}

// StaticPrompt is a PromptProvider that never changes.
type StaticPrompt string

// Current implements PromptProvider.
func (p StaticPrompt) Current() string {
	return string(p)
}

// Options configures a Service.
type Options struct {
	Generator llm.Generator
	Prompt    PromptProvider

	// ModelName is sent with every request; empty uses the provider default
	ModelName string

	// Persister saves committed chats; nil keeps chats in memory only
	Persister *storage.Persister

	// Dispatcher runs actions; nil creates one with the default delay
	Dispatcher *tasks.Dispatcher

	// Streams indexes live buffers; nil creates one
	Streams *Streams

	// Gate is asked for the caller's session at every commit. Nil trusts
	// the identity each chat was opened with.
	Gate session.Gate

	// ReplyTimeout bounds one model reply from request to final
	// increment; zero means no limit
	ReplyTimeout time.Duration

	MaxMessageRunes int
}

// Submission is what Submit hands back right away: the appended user
// message and the live handle of the reply being generated.
type Submission struct {
	User    model.Message
	ReplyID string
	Reply   *model.StreamBuffer
}

// Service runs chats.
type Service struct {
	generator  llm.Generator
	prompt     PromptProvider
	modelName  string
	persister  *storage.Persister
	dispatcher *tasks.Dispatcher
	streams    *Streams
	gate       session.Gate
	timeout    time.Duration
	maxRunes   int

	mu       sync.RWMutex
	sessions map[string]*Session

	// lifeMu orders Submit's wg.Add against Shutdown's wg.Wait
	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// now is replaced in tests
	now func() time.Time
}

// NewService creates a chat service.
func NewService(opts Options) *Service {
	if opts.Generator == nil {
		opts.Generator = llm.EchoGenerator{}
	}
	if opts.Prompt == nil {
		opts.Prompt = StaticPrompt("")
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = tasks.NewDispatcher(nil, tasks.DefaultPhaseDelay)
	}
	if opts.Streams == nil {
		opts.Streams = NewStreams(DefaultStreamRetention)
	}
	if opts.MaxMessageRunes <= 0 {
		opts.MaxMessageRunes = DefaultMaxMessageRunes
	}
	return &Service{
		generator:  opts.Generator,
		prompt:     opts.Prompt,
		modelName:  opts.ModelName,
		persister:  opts.Persister,
		dispatcher: opts.Dispatcher,
		streams:    opts.Streams,
		gate:       opts.Gate,
		timeout:    opts.ReplyTimeout,
		maxRunes:   opts.MaxMessageRunes,
		sessions:   make(map[string]*Session),
		now:        time.Now,
	}
}

// Generator returns the model provider.
func (s *Service) Generator() llm.Generator {
	return s.generator
}

// Persister returns the persistence path, or nil.
func (s *Service) Persister() *storage.Persister {
	return s.persister
}

// =============================================================================
// SESSIONS
// =============================================================================

// NewChat starts an empty chat owned by caller.
func (s *Service) NewChat(caller session.Result) *Session {
	return s.attach(model.NewConversation(), caller)
}

// attach registers a session for conv. If one is already registered for
// the chat, that one is returned instead.
func (s *Service) attach(conv model.Conversation, caller session.Result) *Session {
	sess := &Session{Caller: caller, lastActive: s.now()}
	sess.Store = NewStore(conv, func(ctx context.Context, snap model.Conversation) error {
		return s.persist(ctx, sess, snap)
	})

	s.mu.Lock()
	if existing, ok := s.sessions[conv.ChatID]; ok {
		s.mu.Unlock()
		return existing
	}
	s.sessions[conv.ChatID] = sess
	s.mu.Unlock()

	log.Printf("CHAT_OPENED | chat=%s user=%s messages=%d", conv.ChatID, ownerLabel(caller), conv.Len())
	return sess
}

// persist is the commit hook of every store. With a gate, the session is
// checked again here: a chat whose owner has signed out since it was
// opened is not written.
func (s *Service) persist(ctx context.Context, sess *Session, conv model.Conversation) error {
	if s.persister == nil {
		return nil
	}
	caller := sess.Caller
	if s.gate != nil {
		current := s.gate.CurrentSession(ctx)
		if current.UserID() != sess.Owner() {
			log.Printf("CHAT_PERSIST_SKIPPED | chat=%s outcome=%s owner=%s",
				conv.ChatID, storage.OutcomeSessionEnded, ownerLabel(sess.Caller))
			return nil
		}
		caller = current
	}
	outcome, err := s.persister.Persist(ctx, caller, conv)
	if err != nil {
		return err
	}
	if outcome != storage.OutcomeSaved {
		log.Printf("CHAT_PERSIST_SKIPPED | chat=%s outcome=%s", conv.ChatID, outcome)
	}
	return nil
}

// Open returns the caller's chat, restoring it from storage if it is not
// in memory. Chats owned by someone else are reported as not found.
func (s *Service) Open(ctx context.Context, caller session.Result, chatID string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if ok {
		if sess.Owner() != caller.UserID() {
			return nil, storage.ErrChatNotFound
		}
		sess.touch(s.now())
		return sess, nil
	}

	if s.persister == nil {
		return nil, storage.ErrChatNotFound
	}
	chat, outcome, err := s.persister.Restore(ctx, caller, chatID)
	if outcome == storage.OutcomeUnauthenticated {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}

	// Another request may have restored it meanwhile; attach keeps theirs.
	return s.attach(chat.Conversation(), caller), nil
}

// Close forgets an in-memory chat. Saved copies are kept.
func (s *Service) Close(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
}

// SweepChats forgets in-memory chats nobody has touched for idle. Chats
// with a reply or action in flight are kept. Saved copies are kept.
func (s *Service) SweepChats(idle time.Duration) int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.idle(now, idle) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("CHAT_SWEEP | removed=%d remaining=%d", removed, len(s.sessions))
	}
	return removed
}

// ActiveChats returns the number of chats held in memory.
func (s *Service) ActiveChats() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// =============================================================================
// MESSAGES
// =============================================================================

// Submit appends a user message and starts generating the reply in the
// background. It returns as soon as the reply stream exists; the reply is
// appended and the chat committed when the model finishes.
func (s *Service) Submit(ctx context.Context, sess *Session, content string) (Submission, error) {
	// UNICODE: NFC so visually identical input is stored identically.
	content = norm.NFC.String(strings.TrimSpace(content))
	if content == "" {
		return Submission{}, ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(content); n > s.maxRunes {
		return Submission{}, fmt.Errorf("%w: %d characters (max %d)", ErrMessageTooLong, n, s.maxRunes)
	}

	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return Submission{}, tasks.ErrStopped
	}
	s.wg.Add(1)
	s.lifeMu.Unlock()

	user := model.NewUserMessage(content)
	conv := sess.Store.Append(user)
	sess.touch(s.now())

	sub := Submission{
		User:    user,
		ReplyID: model.NewID(),
		Reply:   model.NewStreamBuffer(),
	}
	s.streams.Register(sub.Reply, sess.ChatID(), sess.Owner())
	sess.addPending(sub.ReplyID, sub.Reply)

	req := llm.NewRequest(s.modelName, s.prompt.Current(), conv)

	log.Printf("CHAT_SUBMIT | chat=%s stream=%s messages=%d provider=%s",
		sess.ChatID(), sub.Reply.ID(), conv.Len(), s.generator.Name())

	// RELIABILITY: the reply is produced even if the caller goes away.
	go s.generate(context.WithoutCancel(ctx), sess, req, sub.ReplyID, sub.Reply)

	return sub, nil
}

// generate consumes one model reply. Deltas feed the buffer in arrival
// order; the terminal increment closes it, then the assistant message is
// appended and the chat committed. A failure marks the buffer failed and
// appends nothing. ReplyTimeout bounds the model call only; the commit
// runs on ctx.
func (s *Service) generate(ctx context.Context, sess *Session, req llm.Request, replyID string, buf *model.StreamBuffer) {
	defer s.wg.Done()
	defer sess.removePending(replyID)
	defer func() { sess.touch(s.now()) }()

	genCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	ch := s.generator.Generate(genCtx, req)
	// RELIABILITY: drain so the provider goroutine can always finish.
	defer func() {
		for range ch {
		}
	}()

	for inc := range ch {
		switch {
		case inc.Err != nil:
			buf.Fail(inc.Err)
			log.Printf("CHAT_REPLY_FAILED | chat=%s stream=%s kind=%s error=%v",
				sess.ChatID(), buf.ID(), llm.KindOf(inc.Err), inc.Err)
			return

		case inc.Done:
			buf.Close(inc.Content)
			reply := model.NewAssistantMessage(inc.Content)
			reply.ID = replyID
			conv := sess.Store.Append(reply)
			log.Printf("CHAT_REPLY_DONE | chat=%s stream=%s chars=%d messages=%d duration=%s",
				sess.ChatID(), buf.ID(), utf8.RuneCountInString(inc.Content), conv.Len(),
				time.Since(start).Round(time.Millisecond))
			sess.Store.Commit(ctx)
			return

		default:
			buf.Append(inc.Delta)
		}
	}

	err := error(llm.ErrIncomplete)
	if genCtx.Err() != nil {
		// RELIABILITY: a stalled provider must not hold the reply open forever.
		err = llm.FromTransport(genCtx.Err())
	}
	buf.Fail(err)
	log.Printf("CHAT_REPLY_FAILED | chat=%s stream=%s kind=%s error=%v",
		sess.ChatID(), buf.ID(), llm.KindOf(err), err)
}

// =============================================================================
// ACTIONS
// =============================================================================

// committingTarget appends an action's record and then commits, so a
// finished action finalizes the chat like a finished reply does.
type committingTarget struct {
	ctx  context.Context
	sess *Session
	now  func() time.Time
}

func (t committingTarget) ChatID() string {
	return t.sess.ChatID()
}

func (t committingTarget) Append(msg model.Message) model.Conversation {
	conv := t.sess.Store.Append(msg)
	t.sess.Store.Commit(t.ctx)
	t.sess.endAction(t.now())
	return conv
}

// Dispatch starts an action for the chat. The returned handles update as
// the action progresses; the model is not involved.
func (s *Service) Dispatch(ctx context.Context, sess *Session, action string, details any) (*tasks.Dispatch, error) {
	target := committingTarget{ctx: context.WithoutCancel(ctx), sess: sess, now: s.now}
	sess.beginAction(s.now())
	d, err := s.dispatcher.Dispatch(ctx, target, action, details)
	if err != nil {
		sess.endAction(s.now())
		return nil, err
	}
	s.streams.Register(d.Status, sess.ChatID(), sess.Owner())
	s.streams.Register(d.Message, sess.ChatID(), sess.Owner())
	return d, nil
}

// Action returns an action's status if the caller owns its chat.
func (s *Service) Action(caller session.Result, taskID string) (tasks.Snapshot, bool) {
	snap, ok := s.dispatcher.Lookup(taskID)
	if !ok {
		return tasks.Snapshot{}, false
	}
	s.mu.RLock()
	sess, ok := s.sessions[snap.ChatID]
	s.mu.RUnlock()
	if !ok || sess.Owner() != caller.UserID() {
		return tasks.Snapshot{}, false
	}
	return snap, true
}

// =============================================================================
// STREAMS
// =============================================================================

// RunningActions returns how many actions have not reached done.
func (s *Service) RunningActions() int {
	return s.dispatcher.Queue().RunningCount()
}

// Stream returns a live buffer the caller may follow.
func (s *Service) Stream(caller session.Result, streamID string) (*model.StreamBuffer, bool) {
	return s.streams.Lookup(streamID, caller.UserID())
}

// SweepStreams forgets finished streams past their retention.
func (s *Service) SweepStreams() int {
	return s.streams.Sweep()
}

// =============================================================================
// SAVED CHATS
// =============================================================================

// List returns the caller's saved chats, newest first.
func (s *Service) List(ctx context.Context, caller session.Result) ([]storage.ChatMeta, error) {
	if !caller.IsAuthenticated() {
		return nil, ErrUnauthenticated
	}
	if s.persister == nil {
		return []storage.ChatMeta{}, nil
	}
	return s.persister.Sink().ListChats(ctx, caller.UserID())
}

// Delete removes a chat from memory and storage.
func (s *Service) Delete(ctx context.Context, caller session.Result, chatID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[chatID]
	owned := ok && sess.Owner() == caller.UserID()
	if owned {
		delete(s.sessions, chatID)
	}
	s.mu.Unlock()

	switch {
	case !caller.IsAuthenticated() && owned:
		return nil
	case !caller.IsAuthenticated():
		return ErrUnauthenticated
	case s.persister == nil && owned:
		return nil
	case s.persister == nil:
		return storage.ErrChatNotFound
	}

	err := s.persister.Sink().DeleteChat(ctx, caller.UserID(), chatID)
	if errors.Is(err, storage.ErrChatNotFound) && owned {
		// Never committed, so never saved.
		err = nil
	}
	if err != nil {
		return err
	}
	log.Printf("CHAT_DELETED | chat=%s user=%s", chatID, caller.UserID())
	return nil
}

// Record returns the chat as it would be persisted: the committed state
// of an open chat, or the saved record.
func (s *Service) Record(ctx context.Context, caller session.Result, chatID string) (storage.Chat, error) {
	sess, err := s.Open(ctx, caller, chatID)
	if err != nil {
		return storage.Chat{}, err
	}
	return storage.NewChat(sess.Store.Current(), sess.Owner()), nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Wait blocks until every background reply and action has finished.
func (s *Service) Wait() {
	s.wg.Wait()
	s.dispatcher.Wait()
}

// Shutdown stops accepting messages and actions and waits for background
// work.
func (s *Service) Shutdown() {
	s.lifeMu.Lock()
	s.closed = true
	s.lifeMu.Unlock()

	s.dispatcher.Stop()
	s.wg.Wait()
}

func ownerLabel(caller session.Result) string {
	if caller.IsAuthenticated() {
		return caller.UserID()
	}
	return "anonymous"
}
