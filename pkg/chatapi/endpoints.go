// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
)

// API paths.
const (
	pathStream        = "/api/chat/stream"
	pathChat          = "/api/chat"
	pathHealth        = "/api/chat/health"
	pathConversations = "/api/chat/conversations"
)

// =============================================================================
// Streaming
// =============================================================================

// OpenStream starts a streamed reply and returns the event-stream body.
//
// # Description
//
// Validates req, POSTs it to /api/chat/stream, and returns the body on a
// 2xx status. The body stays open until the caller closes it; closing also
// releases the StreamTimeout deadline. A non-2xx status is returned as an
// *APIError and the body is closed here.
//
// # Outputs
//
//   - io.ReadCloser: raw stream for sse.StreamReader.
//   - error: datatypes.ErrPatientRequired / ErrEmptyMessage before any
//     network call, transport errors, or *APIError.
func (c *Client) OpenStream(ctx context.Context, req datatypes.StreamRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.StreamTimeout)
	httpReq, err := c.newRequest(ctx, http.MethodPost, pathStream, nil, req)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.send(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		defer cancel()
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Chat sends a message and waits for the full reply.
func (c *Client) Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out datatypes.ChatResponse
	if _, err := c.doJSON(ctx, http.MethodPost, pathChat, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Conversations
// =============================================================================

// ListConversations returns every conversation of a patient.
func (c *Client) ListConversations(ctx context.Context, patientID int64) ([]datatypes.Conversation, error) {
	if patientID <= 0 {
		return nil, datatypes.ErrPatientRequired
	}
	var out []datatypes.Conversation
	path := fmt.Sprintf("%s/patient/%d", pathConversations, patientID)
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveConversation returns the patient's active conversation, or nil
// without error when the server answers 204 No Content.
func (c *Client) ActiveConversation(ctx context.Context, patientID int64) (*datatypes.Conversation, error) {
	if patientID <= 0 {
		return nil, datatypes.ErrPatientRequired
	}
	var out datatypes.Conversation
	path := fmt.Sprintf("%s/patient/%d/active", pathConversations, patientID)
	status, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("delete conversation: empty id")
	}
	_, err := c.doJSON(ctx, http.MethodDelete, pathChat+"/"+url.PathEscape(conversationID), nil, nil, nil)
	return err
}

// =============================================================================
// History
// =============================================================================

// Messages fetches one page of history. Page 0 is the newest.
func (c *Client) Messages(ctx context.Context, conversationID string, page, size int) (*datatypes.MessagePage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	return c.fetchPage(ctx, conversationID, "/messages", query)
}

// InitialMessages fetches the newest page of history.
func (c *Client) InitialMessages(ctx context.Context, conversationID string, size int) (*datatypes.MessagePage, error) {
	query := url.Values{}
	query.Set("size", strconv.Itoa(size))
	return c.fetchPage(ctx, conversationID, "/messages/initial", query)
}

func (c *Client) fetchPage(ctx context.Context, conversationID, suffix string, query url.Values) (*datatypes.MessagePage, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("fetch messages: empty conversation id")
	}
	path := pathConversations + "/" + url.PathEscape(conversationID) + suffix
	var out datatypes.MessagePage
	if _, err := c.doJSON(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Health
// =============================================================================

// Health returns the plain-text body of the health probe.
func (c *Client) Health(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, pathHealth, nil, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", decodeError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read health response: %w", err)
	}
	return string(data), nil
}
