// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the chat client
// packages: the rendered Message, and the wire types exchanged with the
// chat/history API.
//
// This file contains the client-side message model. Wire types live in
// chat.go and conversation.go.
package datatypes

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
)

// Sender identifies who authored a message. Immutable once set.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one entry in a rendered conversation.
//
// ID is unique within a conversation. Messages that originate on the client
// carry a locally generated time-ordered id (NewLocalID); messages loaded
// from history carry the server's integer id rendered as a string.
//
// Timestamp is used for display ordering only, never for merge identity.
type Message struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	Sender       Sender        `json:"sender"`
	Timestamp    time.Time     `json:"timestamp"`
	ResponseTime time.Duration `json:"responseTime,omitempty"`
}

// NewLocalID returns a time-ordered id for a client-originated message.
func NewLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewUserMessage builds a user turn with a fresh local id.
func NewUserMessage(content string, at time.Time) Message {
	return Message{
		ID:        NewLocalID(),
		Content:   content,
		Sender:    SenderUser,
		Timestamp: at,
	}
}

// NumericID returns the server id as an integer, and false for local ids.
func (m Message) NumericID() (int64, bool) {
	n, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsUser reports whether the message was authored by the patient.
func (m Message) IsUser() bool {
	return m.Sender == SenderUser
}

// =============================================================================
// Wire Message
// =============================================================================

// Wire values of HistoryMessage.Type.
const (
	MessageTypeUser      = "USER"
	MessageTypeAssistant = "ASSISTANT"
)

// HistoryMessage is a persisted message as returned by the history endpoints.
type HistoryMessage struct {
	ID             int64           `json:"id"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	CreatedAt      strfmt.DateTime `json:"createdAt"`
	ResponseTimeMs *int64          `json:"responseTimeMs,omitempty"`
}

// ToMessage converts a persisted message to the client model.
// Any type other than USER is treated as an assistant message.
func (h HistoryMessage) ToMessage() Message {
	sender := SenderAssistant
	if strings.EqualFold(h.Type, MessageTypeUser) {
		sender = SenderUser
	}
	msg := Message{
		ID:        strconv.FormatInt(h.ID, 10),
		Content:   h.Content,
		Sender:    sender,
		Timestamp: time.Time(h.CreatedAt),
	}
	if h.ResponseTimeMs != nil {
		msg.ResponseTime = time.Duration(*h.ResponseTimeMs) * time.Millisecond
	}
	return msg
}
