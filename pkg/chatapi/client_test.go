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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
)

// =============================================================================
// Test Helpers
// =============================================================================

// mockHTTPClient returns a canned response and records every request.
type mockHTTPClient struct {
	mu       sync.Mutex
	response *http.Response
	err      error
	requests []*http.Request
	bodies   []string
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		m.bodies = append(m.bodies, string(data))
	} else {
		m.bodies = append(m.bodies, "")
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockHTTPClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// createMockResponse creates an http.Response with the given status and body.
func createMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, mock *mockHTTPClient) *Client {
	t.Helper()
	c, err := NewWithClient(mock, Config{BaseURL: "http://chat.local"})
	require.NoError(t, err)
	return c
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewWithClient_Validation(t *testing.T) {
	t.Run("rejects nil client", func(t *testing.T) {
		_, err := NewWithClient(nil, Config{BaseURL: "http://x"})
		assert.Error(t, err)
	})

	t.Run("rejects relative URL", func(t *testing.T) {
		_, err := NewWithClient(&mockHTTPClient{}, Config{BaseURL: "/api"})
		assert.Error(t, err)
	})

	t.Run("rejects empty URL", func(t *testing.T) {
		_, err := NewWithClient(&mockHTTPClient{}, Config{})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		c, err := NewWithClient(&mockHTTPClient{}, Config{BaseURL: "https://chat.example/"})
		require.NoError(t, err)
		assert.Equal(t, DefaultTimeout, c.config.Timeout)
		assert.Equal(t, DefaultStreamTimeout, c.config.StreamTimeout)
		assert.Equal(t, "https://chat.example", c.BaseURL())
		assert.False(t, c.HasToken())
		assert.Nil(t, c.limiter)
	})
}

func TestEndpoint_EscapesConversationID(t *testing.T) {
	c, err := NewWithClient(&mockHTTPClient{}, Config{BaseURL: "http://chat.local/base"})
	require.NoError(t, err)

	got := c.endpoint("/api/chat/conversations/a%2Fb/messages", nil)
	assert.Equal(t, "http://chat.local/base/api/chat/conversations/a%2Fb/messages", got)
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestOpenStream_Success(t *testing.T) {
	mock := &mockHTTPClient{response: createMockResponse(200, "data: hi\n")}
	c := newTestClient(t, mock)

	body, err := c.OpenStream(context.Background(), datatypes.StreamRequest{Message: "hello", PatientID: 7, ConversationID: "abc"})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: hi\n", string(data))

	require.Equal(t, 1, mock.calls())
	req := mock.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/chat/stream", req.URL.Path)
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.NotEmpty(t, req.Header.Get(HeaderRequestID))
	assert.JSONEq(t, `{"message":"hello","patientId":7,"conversationId":"abc"}`, mock.bodies[0])
}

func TestOpenStream_MissingPatientNoNetwork(t *testing.T) {
	mock := &mockHTTPClient{response: createMockResponse(200, "")}
	c := newTestClient(t, mock)

	_, err := c.OpenStream(context.Background(), datatypes.StreamRequest{Message: "hello"})
	assert.ErrorIs(t, err, datatypes.ErrPatientRequired)
	assert.Zero(t, mock.calls())
}

func TestOpenStream_HTTPErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json error field", 503, `{"error":"assistant unavailable"}`, "assistant unavailable"},
		{"plain body", 500, "Internal Server Error", "HTTP error: 500"},
		{"empty body", 502, "", "HTTP error: 502"},
		{"json without error", 400, `{"message":"bad"}`, "HTTP error: 400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockHTTPClient{response: createMockResponse(tt.status, tt.body)}
			c := newTestClient(t, mock)

			body, err := c.OpenStream(context.Background(), datatypes.StreamRequest{Message: "x", PatientID: 1})
			assert.Nil(t, body)
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, err.Error())
			assert.True(t, IsStatus(err, tt.status))
		})
	}
}

func TestOpenStream_TransportError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	c := newTestClient(t, mock)

	_, err := c.OpenStream(context.Background(), datatypes.StreamRequest{Message: "x", PatientID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, IsStatus(err, 500))
}

// =============================================================================
// Conversation & History Tests (httptest)
// =============================================================================

func TestClient_AgainstHTTPServer(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/conversations/patient/7/active", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"externalConversationId":"conv-1","status":"ACTIVE","createdAt":"2025-03-01T09:00:00Z","updatedAt":"2025-03-01T09:00:00Z","messageCount":2}`))
	})
	mux.HandleFunc("/api/chat/conversations/patient/8/active", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/chat/conversations/patient/7", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"externalConversationId":"conv-1","status":"ACTIVE","createdAt":"2025-03-01T09:00:00Z","updatedAt":"2025-03-01T09:00:00Z"}]`))
	})
	mux.HandleFunc("/api/chat/conversations/conv-1/messages/initial", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "15", r.URL.Query().Get("size"))
		_, _ = w.Write([]byte(`{"messages":[{"id":2,"content":"b","type":"ASSISTANT","createdAt":"2025-03-01T09:00:02Z"}],"page":0,"size":15,"hasMore":true,"conversationId":"conv-1"}`))
	})
	mux.HandleFunc("/api/chat/conversations/conv-1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "20", r.URL.Query().Get("size"))
		_, _ = w.Write([]byte(`{"messages":[],"page":2,"size":20,"hasMore":false,"conversationId":"conv-1"}`))
	})
	mux.HandleFunc("/api/chat/conv-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/chat/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Chat service is running"))
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req datatypes.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(datatypes.ChatResponse{Response: "echo: " + req.Message, ConversationID: "conv-1", TokensUsed: 3})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Token: "secret-token", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.True(t, c.HasToken())
	ctx := context.Background()

	t.Run("active conversation", func(t *testing.T) {
		conv, err := c.ActiveConversation(ctx, 7)
		require.NoError(t, err)
		require.NotNil(t, conv)
		assert.Equal(t, "conv-1", conv.ExternalConversationID)
		assert.Equal(t, "Bearer secret-token", gotAuth)
	})

	t.Run("no active conversation", func(t *testing.T) {
		conv, err := c.ActiveConversation(ctx, 8)
		assert.NoError(t, err)
		assert.Nil(t, conv)
	})

	t.Run("missing patient", func(t *testing.T) {
		_, err := c.ActiveConversation(ctx, 0)
		assert.ErrorIs(t, err, datatypes.ErrPatientRequired)
		_, err = c.ListConversations(ctx, 0)
		assert.ErrorIs(t, err, datatypes.ErrPatientRequired)
	})

	t.Run("list", func(t *testing.T) {
		convs, err := c.ListConversations(ctx, 7)
		require.NoError(t, err)
		require.Len(t, convs, 1)
	})

	t.Run("initial page", func(t *testing.T) {
		page, err := c.InitialMessages(ctx, "conv-1", 15)
		require.NoError(t, err)
		assert.True(t, page.HasMore)
		require.Len(t, page.Messages, 1)
	})

	t.Run("older page", func(t *testing.T) {
		page, err := c.Messages(ctx, "conv-1", 2, 20)
		require.NoError(t, err)
		assert.False(t, page.HasMore)
		assert.Equal(t, 2, page.Page)
	})

	t.Run("empty conversation id", func(t *testing.T) {
		_, err := c.Messages(ctx, "", 0, 20)
		assert.Error(t, err)
		assert.Error(t, c.DeleteConversation(ctx, ""))
	})

	t.Run("delete", func(t *testing.T) {
		assert.NoError(t, c.DeleteConversation(ctx, "conv-1"))
	})

	t.Run("health", func(t *testing.T) {
		status, err := c.Health(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Chat service is running", status)
	})

	t.Run("chat", func(t *testing.T) {
		resp, err := c.Chat(ctx, datatypes.ChatRequest{Message: "hi", PatientID: 7})
		require.NoError(t, err)
		assert.Equal(t, "echo: hi", resp.Response)
		assert.Equal(t, 3, resp.TokensUsed)
	})

	t.Run("unknown route is APIError", func(t *testing.T) {
		_, err := c.Messages(ctx, "missing", 0, 20)
		assert.True(t, IsStatus(err, http.StatusNotFound))
	})
}

func TestClient_RateLimitHonorsContext(t *testing.T) {
	mock := &mockHTTPClient{response: createMockResponse(200, "ok")}
	c, err := NewWithClient(mock, Config{BaseURL: "http://chat.local", RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = c.Health(context.Background())
	require.NoError(t, err)

	mock.response = createMockResponse(200, "ok")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Health(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, mock.calls())
}
