// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history holds the committed messages of the active conversation
// and pages older messages in on demand.
//
// # State Machine
//
//	idle ──LoadInitialMessages──▶ loading-initial ──▶ ready
//	ready ──LoadMoreMessages──▶ loading-more ──▶ ready
//	any ──ClearHistory / identity change──▶ idle
//
// # Invariants
//
//   - Messages is always in ascending chronological order.
//   - No two messages share an id. Every merged id is remembered in the
//     loaded-id set until the conversation identity changes.
//   - At most one LoadMoreMessages fetch is outstanding.
//   - A fetch overtaken by ClearHistory or an identity change is discarded.
//
// The mutex is never held across network I/O.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/logging"
)

const (
	// DefaultInitialPageSize is the size of the newest-page bootstrap load.
	DefaultInitialPageSize = 15

	// DefaultPageSize is the size of each older page.
	DefaultPageSize = 20
)

var (
	// ErrNoConversation is returned when a load needs a conversation id.
	ErrNoConversation = errors.New("no conversation selected")

	// ErrSuperseded is returned by a load whose result was discarded
	// because the history was cleared or switched while it was in flight.
	ErrSuperseded = errors.New("history load superseded")
)

// State is the store's loading state.
type State int

const (
	StateIdle State = iota
	StateLoadingInitial
	StateReady
	StateLoadingMore
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingInitial:
		return "loading-initial"
	case StateReady:
		return "ready"
	case StateLoadingMore:
		return "loading-more"
	default:
		return "unknown"
	}
}

// PageFetcher reads conversations and history pages. *chatapi.Client
// implements it.
type PageFetcher interface {
	ActiveConversation(ctx context.Context, patientID int64) (*datatypes.Conversation, error)
	InitialMessages(ctx context.Context, conversationID string, size int) (*datatypes.MessagePage, error)
	Messages(ctx context.Context, conversationID string, page, size int) (*datatypes.MessagePage, error)
}

// Config configures a Store.
type Config struct {
	// Fetcher is required.
	Fetcher PageFetcher

	// PatientID is needed by LoadActiveConversation only.
	PatientID int64

	// InitialPageSize defaults to DefaultInitialPageSize.
	InitialPageSize int

	// PageSize defaults to DefaultPageSize.
	PageSize int

	// Snapshots, when set, receives a copy of the committed list after
	// every successful change and serves RestoreSnapshot.
	Snapshots Snapshotter

	Logger  *slog.Logger
	Metrics *Metrics
}

// Store is the history of one conversation view. Safe for concurrent use.
type Store struct {
	fetcher         PageFetcher
	patientID       int64
	initialPageSize int
	pageSize        int
	snapshots       Snapshotter
	logger          *slog.Logger
	metrics         *Metrics

	mu             sync.Mutex
	state          State
	conversationID string
	messages       []datatypes.Message
	loaded         map[string]struct{}
	page           int
	hasMore        bool
	generation     uint64

	// cursor is the server position, counted from the newest message, just
	// past the oldest server message loaded. Live turns committed since the
	// last fetch push the real position further; LoadMoreMessages corrects
	// for that from the next page it reads.
	cursor int
}

// New creates an idle Store.
func New(cfg Config) (*Store, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("history: nil page fetcher")
	}
	if cfg.InitialPageSize <= 0 {
		cfg.InitialPageSize = DefaultInitialPageSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Store{
		fetcher:         cfg.Fetcher,
		patientID:       cfg.PatientID,
		initialPageSize: cfg.InitialPageSize,
		pageSize:        cfg.PageSize,
		snapshots:       cfg.Snapshots,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		loaded:          make(map[string]struct{}),
	}, nil
}

// =============================================================================
// Accessors
// =============================================================================

// State returns the loading state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the current conversation, or "".
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the committed list, oldest first.
func (s *Store) Messages() []datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.Message(nil), s.messages...)
}

// Len returns the number of committed messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// HasMore reports whether older pages remain on the server.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Page returns the index of the last page fetched.
func (s *Store) Page() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// IsLoading reports whether a load is in flight.
func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateLoadingInitial || s.state == StateLoadingMore
}

// =============================================================================
// Loading
// =============================================================================

// LoadActiveConversation bootstraps from the patient's active conversation.
//
// Returns (nil, nil) when the patient has none, leaving the store as it
// was. Otherwise adopts the conversation's external id and loads its
// newest page; the conversation is returned even if that load fails.
func (s *Store) LoadActiveConversation(ctx context.Context) (*datatypes.Conversation, error) {
	if s.patientID <= 0 {
		return nil, datatypes.ErrPatientRequired
	}
	conv, err := s.fetcher.ActiveConversation(ctx, s.patientID)
	if err != nil {
		return nil, fmt.Errorf("load active conversation: %w", err)
	}
	if conv == nil {
		s.logger.Debug("no active conversation", "patient_id", s.patientID)
		return nil, nil
	}
	s.logger.Info("active conversation found",
		"conversation_id", conv.ExternalConversationID,
		"message_count", conv.MessageCount,
	)
	return conv, s.LoadInitialMessages(ctx, conv.ExternalConversationID)
}

// LoadInitialMessages replaces the history with the newest page of
// conversationID.
//
// # Description
//
// Fetches page 0 with the initial page size, normalizes it to ascending
// order, and replaces both the list and the loaded-id set. The page cursor
// resets to 0 and hasMore mirrors the response. A different
// conversationID than the current one counts as an identity change.
//
// # Outputs
//
//   - error: ErrNoConversation, the fetch error (state returns to ready,
//     or idle if nothing is loaded), or ErrSuperseded.
func (s *Store) LoadInitialMessages(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	if conversationID != s.conversationID {
		s.resetLocked()
		s.conversationID = conversationID
	}
	s.state = StateLoadingInitial
	s.mu.Unlock()

	start := time.Now()
	page, err := s.fetcher.InitialMessages(ctx, conversationID, s.initialPageSize)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.metrics.fetched("initial", "superseded")
		return ErrSuperseded
	}
	if err != nil {
		s.settleLocked()
		s.mu.Unlock()
		s.metrics.fetched("initial", "error")
		s.logger.Warn("initial history load failed", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("load initial messages: %w", err)
	}

	msgs, dropped := filterUnseen(page.ToMessages(), nil)
	s.messages = normalize(msgs)
	s.loaded = make(map[string]struct{}, len(s.messages))
	for _, m := range s.messages {
		s.loaded[m.ID] = struct{}{}
	}
	s.page = 0
	s.cursor = len(page.Messages)
	s.hasMore = page.HasMore
	s.state = StateReady
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.fetched("initial", "ok")
	s.metrics.dropped(dropped)
	s.logger.Info("initial history loaded",
		"conversation_id", conversationID,
		"messages", len(snap.Messages),
		"has_more", snap.HasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.save(ctx, snap)
	return nil
}

// LoadMoreMessages prepends the next older page.
//
// # Description
//
// No-op returning (0, nil) when there is no conversation, no more pages,
// or another load is in flight. Otherwise fetches the page holding the
// cursor position with PageSize, keeps only messages older than the
// oldest server message already loaded, normalizes them to ascending
// order, prepends them, and updates hasMore.
//
// The server addresses pages as page*size from the newest message, so
// the page read can overlap what is loaded: when the newest page was
// smaller than PageSize, or when turns were added during the live
// exchange. Overlapping messages are dropped and the list grows by
// pageSize minus the overlap. A page made only of overlap is followed
// by the next page in the same call.
//
// # Outputs
//
//   - int: messages added.
//   - error: the fetch error (cursor unchanged, state back to ready) or
//     ErrSuperseded.
func (s *Store) LoadMoreMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.conversationID == "" || !s.hasMore || s.state == StateLoadingMore || s.state == StateLoadingInitial {
		s.mu.Unlock()
		return 0, nil
	}
	s.state = StateLoadingMore
	gen := s.generation
	id := s.conversationID
	cursor := s.cursor
	s.mu.Unlock()

	var (
		older   []datatypes.Message
		dropped int
		next    int
		hasMore bool
	)
	for {
		next = cursor / s.pageSize
		page, err := s.fetcher.Messages(ctx, id, next, s.pageSize)

		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			s.metrics.fetched("more", "superseded")
			return 0, ErrSuperseded
		}
		if err != nil {
			s.state = StateReady
			s.mu.Unlock()
			s.metrics.fetched("more", "error")
			s.logger.Warn("older history load failed", "conversation_id", id, "page", next, "error", err)
			return 0, fmt.Errorf("load page %d: %w", next, err)
		}
		var n int
		older, n = s.olderLocked(page.ToMessages())
		s.mu.Unlock()

		s.metrics.fetched("more", "ok")
		dropped += n
		hasMore = page.HasMore
		if end := next*s.pageSize + len(page.Messages); end > cursor {
			cursor = end
		}
		if len(older) > 0 || !hasMore || len(page.Messages) < s.pageSize {
			break
		}
		s.logger.Debug("older page held only loaded messages", "conversation_id", id, "page", next)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return 0, ErrSuperseded
	}
	older = normalize(older)
	for _, m := range older {
		s.loaded[m.ID] = struct{}{}
	}
	merged := make([]datatypes.Message, 0, len(older)+len(s.messages))
	merged = append(merged, older...)
	s.messages = append(merged, s.messages...)
	s.page = next
	s.cursor = cursor
	s.hasMore = hasMore
	s.state = StateReady
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.dropped(dropped)
	s.logger.Debug("older history merged",
		"conversation_id", id,
		"page", next,
		"added", len(older),
		"duplicates", dropped,
		"has_more", snap.HasMore,
	)
	s.save(ctx, snap)
	return len(older), nil
}

// ClearHistory returns the store to its initial empty state. Any load in
// flight is discarded when it returns.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.resetLocked()
	s.conversationID = ""
	s.state = StateIdle
}

// =============================================================================
// Live exchange
// =============================================================================

// AdoptConversation records the id the server assigned during a stream.
//
// When the store has no conversation yet, the id is attached without
// discarding messages already committed for the exchange in progress.
// A different id than the current one is an identity change and resets
// the history first. The same id is a no-op.
func (s *Store) AdoptConversation(conversationID string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.conversationID {
	case conversationID:
		return
	case "":
	default:
		s.logger.Info("conversation identity changed",
			"from", s.conversationID,
			"to", conversationID,
		)
		s.generation++
		s.resetLocked()
	}
	s.conversationID = conversationID
	if s.state == StateIdle {
		s.state = StateReady
	}
}

// Commit appends a finalized message. Returns false if its id is already
// loaded.
func (s *Store) Commit(ctx context.Context, msg datatypes.Message) bool {
	s.mu.Lock()
	if _, ok := s.loaded[msg.ID]; ok {
		s.mu.Unlock()
		s.metrics.dropped(1)
		return false
	}
	s.loaded[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	var snap Snapshot
	if s.conversationID != "" {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if snap.ConversationID != "" {
		s.save(ctx, snap)
	}
	return true
}

// RestoreSnapshot loads a saved snapshot without contacting the server.
// Returns false when no snapshot store is configured or nothing is saved.
func (s *Store) RestoreSnapshot(ctx context.Context, conversationID string) (bool, error) {
	if s.snapshots == nil {
		return false, nil
	}
	if conversationID == "" {
		return false, ErrNoConversation
	}
	snap, err := s.snapshots.Load(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	if snap == nil {
		return false, nil
	}

	msgs, _ := filterUnseen(snap.Messages, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.resetLocked()
	s.conversationID = conversationID
	s.messages = normalize(msgs)
	for _, m := range s.messages {
		s.loaded[m.ID] = struct{}{}
	}
	s.page = snap.Page
	s.cursor = snap.Cursor
	if s.cursor == 0 {
		s.cursor = countServer(s.messages)
	}
	s.hasMore = snap.HasMore
	s.state = StateReady
	return true, nil
}

// =============================================================================
// Internal
// =============================================================================

func (s *Store) resetLocked() {
	s.messages = nil
	s.loaded = make(map[string]struct{})
	s.page = 0
	s.cursor = 0
	s.hasMore = false
}

// olderLocked returns the messages of a fetched page that are older than
// everything loaded, and how many it dropped. The reference point is the
// oldest server message; server copies of turns committed live are newer
// than it and never come back through an older page.
func (s *Store) olderLocked(fetched []datatypes.Message) ([]datatypes.Message, int) {
	unseen, dropped := filterUnseen(fetched, s.loaded)
	oldest, ok := oldestServer(s.messages)
	if !ok {
		if len(s.messages) == 0 {
			return unseen, dropped
		}
		oldest = s.messages[0]
	}
	out := unseen[:0]
	for _, m := range unseen {
		if chronological(m, oldest) {
			out = append(out, m)
		} else {
			dropped++
		}
	}
	return out, dropped
}

// settleLocked leaves a failed initial load in ready if anything is shown,
// idle otherwise.
func (s *Store) settleLocked() {
	if len(s.messages) > 0 {
		s.state = StateReady
	} else {
		s.state = StateIdle
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: s.conversationID,
		Messages:       append([]datatypes.Message(nil), s.messages...),
		Page:           s.page,
		Cursor:         s.cursor,
		HasMore:        s.hasMore,
		SavedAt:        time.Now(),
	}
}

func (s *Store) save(ctx context.Context, snap Snapshot) {
	if s.snapshots == nil || snap.ConversationID == "" {
		return
	}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		s.logger.Warn("saving history snapshot failed", "conversation_id", snap.ConversationID, "error", err)
	}
}
