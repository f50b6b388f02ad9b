// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mockapi is an in-memory implementation of the chat and history
// API for local development and integration tests.
package mockapi

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
)

// ErrConversationNotFound is returned for an unknown external id.
var ErrConversationNotFound = errors.New("conversation not found")

const symptomPreviewRunes = 60

type conversationRecord struct {
	summary  datatypes.Conversation
	patient  int64
	messages []datatypes.HistoryMessage // oldest first
}

// Store holds conversations and messages in memory. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	convs  map[string]*conversationRecord
	nextID int64
	rowID  int64
	now    func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		convs: make(map[string]*conversationRecord),
		now:   time.Now,
	}
}

// Create starts an ACTIVE conversation for patientID. Any other ACTIVE
// conversation of the patient is marked COMPLETED.
func (s *Store) Create(patientID int64) datatypes.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.convs {
		if c.patient == patientID && c.summary.Status == datatypes.ConversationActive {
			c.summary.Status = datatypes.ConversationCompleted
		}
	}

	s.rowID++
	now := strfmt.DateTime(s.now().UTC())
	c := &conversationRecord{
		patient: patientID,
		summary: datatypes.Conversation{
			ID:                     s.rowID,
			ExternalConversationID: uuid.NewString(),
			Status:                 datatypes.ConversationActive,
			CreatedAt:              now,
			UpdatedAt:              now,
		},
	}
	s.convs[c.summary.ExternalConversationID] = c
	return c.summary
}

// Get returns the summary of one conversation.
func (s *Store) Get(conversationID string) (datatypes.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return datatypes.Conversation{}, ErrConversationNotFound
	}
	return c.summary, nil
}

// Append adds a message and returns it with its assigned id. responseTime
// is recorded for assistant messages only.
func (s *Store) Append(conversationID string, sender datatypes.Sender, content string, responseTime time.Duration) (datatypes.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return datatypes.HistoryMessage{}, ErrConversationNotFound
	}

	s.nextID++
	msg := datatypes.HistoryMessage{
		ID:        s.nextID,
		Content:   content,
		Type:      datatypes.MessageTypeAssistant,
		CreatedAt: strfmt.DateTime(s.now().UTC()),
	}
	if sender == datatypes.SenderUser {
		msg.Type = datatypes.MessageTypeUser
		if c.summary.InitialSymptom == "" {
			c.summary.InitialSymptom = preview(content)
		}
	} else if responseTime > 0 {
		ms := responseTime.Milliseconds()
		msg.ResponseTimeMs = &ms
	}

	c.messages = append(c.messages, msg)
	c.summary.MessageCount = len(c.messages)
	c.summary.LastMessage = content
	c.summary.UpdatedAt = msg.CreatedAt
	return msg, nil
}

// List returns the patient's conversations, most recently updated first.
func (s *Store) List(patientID int64) []datatypes.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]datatypes.Conversation, 0)
	for _, c := range s.convs {
		if c.patient == patientID {
			out = append(out, c.summary)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time(out[i].UpdatedAt), time.Time(out[j].UpdatedAt)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Active returns the patient's ACTIVE conversation, if any.
func (s *Store) Active(patientID int64) (datatypes.Conversation, bool) {
	for _, c := range s.List(patientID) {
		if c.Status == datatypes.ConversationActive {
			return c, true
		}
	}
	return datatypes.Conversation{}, false
}

// Page returns page page of size messages, newest first. Page 0 holds the
// newest messages.
func (s *Store) Page(conversationID string, page, size int) (datatypes.MessagePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return datatypes.MessagePage{}, ErrConversationNotFound
	}

	total := len(c.messages)
	out := datatypes.MessagePage{
		Messages:       make([]datatypes.HistoryMessage, 0, size),
		Page:           page,
		Size:           size,
		TotalElements:  int64(total),
		TotalPages:     (total + size - 1) / size,
		ConversationID: conversationID,
	}

	// Walk backwards from the newest message.
	start := total - 1 - page*size
	for i := start; i >= 0 && i > start-size; i-- {
		out.Messages = append(out.Messages, c.messages[i])
	}
	out.HasMore = start-size >= 0
	return out, nil
}

// Delete removes a conversation.
func (s *Store) Delete(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conversationID]; !ok {
		return ErrConversationNotFound
	}
	delete(s.convs, conversationID)
	return nil
}

// Seed creates a conversation for patientID with n alternating messages,
// for exercising pagination by hand.
func (s *Store) Seed(patientID int64, n int) datatypes.Conversation {
	conv := s.Create(patientID)
	for i := 1; i <= n; i++ {
		sender := datatypes.SenderUser
		content := "Symptom update " + strconv.Itoa(i)
		if i%2 == 0 {
			sender = datatypes.SenderAssistant
			content = "Noted, thank you for update " + strconv.Itoa(i-1) + "."
		}
		_, _ = s.Append(conv.ExternalConversationID, sender, content, 0)
	}
	conv, _ = s.Get(conv.ExternalConversationID)
	return conv
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= symptomPreviewRunes {
		return s
	}
	return string(r[:symptomPreviewRunes])
}
