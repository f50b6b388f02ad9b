// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "github.com/go-openapi/strfmt"

// ConversationStatus is the server-side lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "ACTIVE"
	ConversationArchived  ConversationStatus = "ARCHIVED"
	ConversationCompleted ConversationStatus = "COMPLETED"
)

// Conversation is the summary returned by the conversation list and
// active-conversation endpoints.
//
// ExternalConversationID is the opaque identifier the stream, history and
// delete endpoints take; ID is the server's row id.
type Conversation struct {
	ID                     int64              `json:"id"`
	ExternalConversationID string             `json:"externalConversationId"`
	Status                 ConversationStatus `json:"status"`
	InitialSymptom         string             `json:"initialSymptom,omitempty"`
	CreatedAt              strfmt.DateTime    `json:"createdAt"`
	UpdatedAt              strfmt.DateTime    `json:"updatedAt"`
	MessageCount           int                `json:"messageCount"`
	LastMessage            string             `json:"lastMessage,omitempty"`
}

// MessagePage is one page of persisted messages. Page 0 holds the most
// recent messages; within a page messages arrive newest first.
type MessagePage struct {
	Messages       []HistoryMessage `json:"messages"`
	Page           int              `json:"page"`
	Size           int              `json:"size"`
	TotalElements  int64            `json:"totalElements"`
	TotalPages     int              `json:"totalPages"`
	HasMore        bool             `json:"hasMore"`
	ConversationID string           `json:"conversationId"`
}

// ToMessages converts every entry in wire order.
func (p *MessagePage) ToMessages() []Message {
	if p == nil {
		return nil
	}
	out := make([]Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.ToMessage())
	}
	return out
}
