// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation combines the committed history and the reply being
// streamed into the list a chat screen renders.
//
// The rendered list is the history store's messages followed by at most
// one provisional assistant message. The provisional message is promoted
// into history only when its stream completes.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/history"
	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/pkg/session"
)

const (
	// DefaultFallbackText replaces an empty assistant reply.
	DefaultFallbackText = "I wasn't able to put together a response. Could you try rephrasing your question?"

	// DefaultApologyText is shown when a reply fails before any text arrived.
	DefaultApologyText = "Sorry, something went wrong while contacting your care assistant. Please try again."
)

// Item is one rendered row.
type Item struct {
	datatypes.Message

	// Provisional is true for the reply still streaming.
	Provisional bool
}

// Snapshot is the view state passed to subscribers.
type Snapshot struct {
	Items          []Item
	ConversationID string
	Streaming      bool
	HasMore        bool

	// LastError is the most recent stream failure text, cleared by the
	// next Send.
	LastError string
}

// Streamer runs one streamed reply. *session.Controller implements it.
type Streamer interface {
	Send(ctx context.Context, req session.Request, h session.Handlers) (session.Result, error)
	Abort() bool
}

// Config configures a Model.
type Config struct {
	Store    *history.Store
	Streamer Streamer

	PatientID int64

	// FallbackText defaults to DefaultFallbackText.
	FallbackText string

	// ApologyText defaults to DefaultApologyText.
	ApologyText string

	Logger *slog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Model is the conversation view. Safe for concurrent use; subscribers are
// called without internal locks held.
type Model struct {
	store     *history.Store
	streamer  Streamer
	patientID int64
	fallback  string
	apology   string
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	streaming   bool
	provisional *datatypes.Message
	lastError   string
	generation  uint64
	subscribers map[int]func(Snapshot)
	nextSub     int
}

// New creates a Model.
func New(cfg Config) (*Model, error) {
	if cfg.Store == nil {
		return nil, errors.New("conversation: nil history store")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("conversation: nil streamer")
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = DefaultApologyText
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Model{
		store:       cfg.Store,
		streamer:    cfg.Streamer,
		patientID:   cfg.PatientID,
		fallback:    cfg.FallbackText,
		apology:     cfg.ApologyText,
		logger:      cfg.Logger,
		now:         cfg.Clock,
		subscribers: make(map[int]func(Snapshot)),
	}, nil
}

// Subscribe registers fn for every view change and returns a function that
// removes it.
func (m *Model) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Items returns committed history followed by the provisional reply, if any.
func (m *Model) Items() []Item {
	return m.Snapshot().Items
}

// IsStreaming reports whether a reply is in progress.
func (m *Model) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// ConversationID returns the current conversation, or "" before the first
// reply of a new conversation.
func (m *Model) ConversationID() string {
	return m.store.ConversationID()
}

// Snapshot returns the current view state.
func (m *Model) Snapshot() Snapshot {
	committed := m.store.Messages()

	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Item, 0, len(committed)+1)
	for _, msg := range committed {
		items = append(items, Item{Message: msg})
	}
	if m.provisional != nil {
		items = append(items, Item{Message: *m.provisional, Provisional: true})
	}
	return Snapshot{
		Items:          items,
		ConversationID: m.store.ConversationID(),
		Streaming:      m.streaming,
		HasMore:        m.store.HasMore(),
		LastError:      m.lastError,
	}
}

// Bootstrap loads the patient's active conversation, if there is one.
func (m *Model) Bootstrap(ctx context.Context) (*datatypes.Conversation, error) {
	conv, err := m.store.LoadActiveConversation(ctx)
	m.notify()
	return conv, err
}

// Open switches the view to an existing conversation. When the server
// cannot be reached a saved snapshot is shown instead, and the load error
// is returned only if no snapshot exists.
func (m *Model) Open(ctx context.Context, conversationID string) error {
	if m.IsStreaming() {
		return session.ErrStreamInFlight
	}
	err := m.store.LoadInitialMessages(ctx, conversationID)
	if err != nil && !errors.Is(err, history.ErrSuperseded) && !errors.Is(err, history.ErrNoConversation) {
		if ok, snapErr := m.store.RestoreSnapshot(ctx, conversationID); snapErr == nil && ok {
			m.logger.Warn("showing saved transcript", "conversation_id", conversationID, "error", err)
			err = nil
		}
	}
	m.notify()
	return err
}

// LoadMore prepends the next older page of history.
func (m *Model) LoadMore(ctx context.Context) (int, error) {
	n, err := m.store.LoadMoreMessages(ctx)
	if n > 0 || err != nil {
		m.notify()
	}
	return n, err
}

// Reset aborts any reply in progress and clears the view. The next Send
// starts a new conversation.
func (m *Model) Reset() {
	m.mu.Lock()
	m.generation++
	m.provisional = nil
	m.lastError = ""
	streaming := m.streaming
	m.mu.Unlock()

	if streaming {
		m.streamer.Abort()
	}
	m.store.ClearHistory()
	m.notify()
}

// Abort stops the reply in progress. Text received so far is kept.
func (m *Model) Abort() bool {
	return m.streamer.Abort()
}

// Send commits the patient's message and streams the reply.
//
// # Description
//
// The request is checked before anything changes: a missing patient, an
// empty or oversized message, or a reply already streaming is returned as
// an error with no network call and no change to the view. Otherwise the
// user turn is committed with a local id, an empty provisional reply is
// shown, and Send blocks while the reply streams.
//
// At completion the provisional reply is committed:
//
//   - completed with text: the text.
//   - completed empty: the fallback text.
//   - failed with partial text: the partial text.
//   - failed empty: the apology text.
//   - aborted: the partial text, or nothing if none arrived.
//
// If the stream fails before the server assigns a conversation, the view
// stays without one and the next Send starts a new conversation.
//
// # Outputs
//
//   - session.Result: the stream's result.
//   - error: datatypes.ErrPatientRequired, datatypes.ErrEmptyMessage, a
//     validation error, or session.ErrStreamInFlight.
func (m *Model) Send(ctx context.Context, text string) (session.Result, error) {
	conversationID := m.store.ConversationID()
	req := datatypes.StreamRequest{
		Message:        text,
		PatientID:      m.patientID,
		ConversationID: conversationID,
	}
	if err := req.Validate(); err != nil {
		return session.Result{}, err
	}

	m.mu.Lock()
	if m.streaming {
		m.mu.Unlock()
		return session.Result{}, session.ErrStreamInFlight
	}
	m.streaming = true
	m.lastError = ""
	gen := m.generation
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.streaming = false
		m.mu.Unlock()
		m.notify()
	}()

	user := datatypes.NewUserMessage(text, m.now())
	m.store.Commit(ctx, user)
	m.setProvisional(gen, &datatypes.Message{
		ID:        datatypes.NewLocalID(),
		Sender:    datatypes.SenderAssistant,
		Timestamp: m.now(),
	})

	handlers := session.Handlers{
		OnInit: func(id string) {
			if !m.current(gen) {
				return
			}
			if prev := m.store.ConversationID(); prev != "" && prev != id {
				m.logger.Warn("server switched conversation", "from", prev, "to", id)
			}
			m.store.AdoptConversation(id)
			// A switch resets history; keep the turn that started this reply.
			m.store.Commit(ctx, user)
			m.notify()
		},
		OnDelta: func(_ string, p session.Provisional) {
			msg := p.Message()
			m.setProvisional(gen, &msg)
		},
		OnError: func(message string) {
			m.mu.Lock()
			if m.generation == gen {
				m.lastError = message
			}
			m.mu.Unlock()
		},
		OnComplete: func(res session.Result) {
			m.finish(ctx, gen, res)
		},
	}

	res, err := m.streamer.Send(ctx, session.Request{
		Message:        text,
		PatientID:      m.patientID,
		ConversationID: conversationID,
	}, handlers)
	if err != nil {
		m.setProvisional(gen, nil)
		return res, fmt.Errorf("send message: %w", err)
	}
	return res, nil
}

// finish promotes the provisional reply into history.
func (m *Model) finish(ctx context.Context, gen uint64, res session.Result) {
	if !m.current(gen) {
		return
	}
	msg := res.Provisional.Message()
	switch res.Outcome {
	case session.OutcomeCompleted:
		if res.Provisional.IsEmpty() {
			msg.Content = m.fallback
		}
	case session.OutcomeFailed:
		if res.Provisional.IsEmpty() {
			msg.Content = m.apology
		}
	case session.OutcomeAborted:
		if res.Provisional.IsEmpty() {
			m.setProvisional(gen, nil)
			return
		}
	}
	m.store.Commit(ctx, msg)
	m.setProvisional(gen, nil)
}

func (m *Model) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

func (m *Model) setProvisional(gen uint64, msg *datatypes.Message) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.provisional = msg
	m.mu.Unlock()
	m.notify()
}

func (m *Model) notify() {
	m.mu.Lock()
	if len(m.subscribers) == 0 {
		m.mu.Unlock()
		return
	}
	subs := make([]func(Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	snap := m.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}
