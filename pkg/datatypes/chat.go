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

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxMessageContentBytes bounds a single outgoing patient message.
const MaxMessageContentBytes = 16 * 1024

// ErrPatientRequired is returned when a chat request has no patient id.
// Callers check it with errors.Is before any network call is made.
var ErrPatientRequired = errors.New("patient id is required")

// ErrEmptyMessage is returned when a chat request has no message text.
var ErrEmptyMessage = errors.New("message is required")

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
	_ = chatValidate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// StreamRequest is the body of POST /api/chat/stream.
// ConversationID is omitted when starting a new conversation.
type StreamRequest struct {
	Message        string `json:"message" validate:"required,notblank,maxbytes"`
	PatientID      int64  `json:"patientId" validate:"required,gt=0"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Validate checks the request. A missing patient id maps to
// ErrPatientRequired and an empty or blank message to ErrEmptyMessage so
// callers can branch on them.
func (r *StreamRequest) Validate() error {
	return validateChat(r)
}

// ChatRequest is the body of the non-streaming POST /api/chat.
type ChatRequest struct {
	Message        string `json:"message" validate:"required,notblank,maxbytes"`
	PatientID      int64  `json:"patientId" validate:"required,gt=0"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Validate checks the request the same way StreamRequest.Validate does.
func (r *ChatRequest) Validate() error {
	return validateChat(r)
}

// ChatResponse is the reply of POST /api/chat.
type ChatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversationId"`
	TokensUsed     int    `json:"tokensUsed"`
}

// ErrorBody is the best-effort error payload of a non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
}

func validateChat(req any) error {
	err := chatValidate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			switch fe.Field() {
			case "PatientID":
				return ErrPatientRequired
			case "Message":
				if fe.Tag() == "required" || fe.Tag() == "notblank" {
					return ErrEmptyMessage
				}
				return fmt.Errorf("message exceeds %d bytes", MaxMessageContentBytes)
			}
		}
	}
	return fmt.Errorf("invalid chat request: %w", err)
}
