// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/storage/badger"
)

// Snapshot is a saved copy of a conversation's committed messages.
type Snapshot struct {
	ConversationID string              `json:"conversationId"`
	Messages       []datatypes.Message `json:"messages"`
	Page           int                 `json:"page"`
	Cursor         int                 `json:"cursor"`
	HasMore        bool                `json:"hasMore"`
	SavedAt        time.Time           `json:"savedAt"`
}

// Snapshotter persists snapshots keyed by conversation id.
type Snapshotter interface {
	Save(ctx context.Context, snap Snapshot) error

	// Load returns nil without error when nothing is saved.
	Load(ctx context.Context, conversationID string) (*Snapshot, error)

	Delete(ctx context.Context, conversationID string) error
}

// =============================================================================
// Badger
// =============================================================================

const snapshotKeyPrefix = "transcript/"

// DefaultSnapshotTTL expires transcripts of idle conversations.
const DefaultSnapshotTTL = 30 * 24 * time.Hour

// BadgerSnapshotter stores snapshots in the local cache database.
type BadgerSnapshotter struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerSnapshotter wraps db. A ttl <= 0 uses DefaultSnapshotTTL.
func NewBadgerSnapshotter(db *badger.DB, ttl time.Duration) *BadgerSnapshotter {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &BadgerSnapshotter{db: db, ttl: ttl}
}

func (s *BadgerSnapshotter) Save(ctx context.Context, snap Snapshot) error {
	return s.db.PutJSON(ctx, snapshotKeyPrefix+snap.ConversationID, snap, s.ttl)
}

func (s *BadgerSnapshotter) Load(ctx context.Context, conversationID string) (*Snapshot, error) {
	var snap Snapshot
	found, err := s.db.GetJSON(ctx, snapshotKeyPrefix+conversationID, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (s *BadgerSnapshotter) Delete(ctx context.Context, conversationID string) error {
	return s.db.Delete(ctx, snapshotKeyPrefix+conversationID)
}

// Conversations lists the ids that have a saved snapshot.
func (s *BadgerSnapshotter) Conversations(ctx context.Context) ([]string, error) {
	keys, err := s.db.Keys(ctx, snapshotKeyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k[len(snapshotKeyPrefix):]
	}
	return ids, nil
}

// =============================================================================
// Memory
// =============================================================================

// MemorySnapshotter keeps snapshots in a map.
type MemorySnapshotter struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
	saves int
}

// NewMemorySnapshotter creates an empty MemorySnapshotter.
func NewMemorySnapshotter() *MemorySnapshotter {
	return &MemorySnapshotter{snaps: make(map[string]Snapshot)}
}

func (s *MemorySnapshotter) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Messages = append([]datatypes.Message(nil), snap.Messages...)
	s.snaps[snap.ConversationID] = snap
	s.saves++
	return nil
}

func (s *MemorySnapshotter) Load(_ context.Context, conversationID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[conversationID]
	if !ok {
		return nil, nil
	}
	snap.Messages = append([]datatypes.Message(nil), snap.Messages...)
	return &snap, nil
}

func (s *MemorySnapshotter) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, conversationID)
	return nil
}

// Saves returns how many times Save was called.
func (s *MemorySnapshotter) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

var (
	_ Snapshotter = (*BadgerSnapshotter)(nil)
	_ Snapshotter = (*MemorySnapshotter)(nil)
)
