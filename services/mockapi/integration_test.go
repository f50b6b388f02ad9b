// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mockapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCare/pkg/chatapi"
	"github.com/AleutianAI/AleutianCare/pkg/conversation"
	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/history"
	"github.com/AleutianAI/AleutianCare/pkg/session"
)

const testPatient int64 = 42

type stack struct {
	server  *httptest.Server
	backend *Server
	client  *chatapi.Client
	store   *history.Store
	model   *conversation.Model
}

// newStack wires the client core to a test server. Zero sizes use the
// history defaults.
func newStack(t *testing.T, opts Options, initialSize, pageSize int) *stack {
	t.Helper()
	backend := NewServer(opts)
	ts := httptest.NewServer(NewRouter(backend, opts))
	t.Cleanup(ts.Close)

	client, err := chatapi.New(chatapi.Config{BaseURL: ts.URL, Token: "dev-token"})
	require.NoError(t, err)
	ctrl, err := session.New(session.Config{Opener: client})
	require.NoError(t, err)
	store, err := history.New(history.Config{
		Fetcher:         client,
		PatientID:       testPatient,
		InitialPageSize: initialSize,
		PageSize:        pageSize,
	})
	require.NoError(t, err)
	model, err := conversation.New(conversation.Config{
		Store:     store,
		Streamer:  ctrl,
		PatientID: testPatient,
	})
	require.NoError(t, err)

	return &stack{server: ts, backend: backend, client: client, store: store, model: model}
}

func contents(msgs []datatypes.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestIntegration_StreamedConversation(t *testing.T) {
	s := newStack(t, Options{}, 20, 20)
	ctx := context.Background()

	res, err := s.model.Send(ctx, "I have a headache")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeCompleted, res.Outcome)
	assert.Contains(t, res.Content(), "headache")
	assert.Contains(t, res.Content(), "\n", "escaped newline restored")

	convID := s.model.ConversationID()
	require.NotEmpty(t, convID)

	_, err = s.model.Send(ctx, "Since this morning, both sides")
	require.NoError(t, err)
	assert.Equal(t, convID, s.model.ConversationID(), "second turn continues the conversation")

	conv, err := s.backend.Store().Get(convID)
	require.NoError(t, err)
	assert.Equal(t, 4, conv.MessageCount)
	assert.Len(t, s.store.Messages(), 4)

	// A fresh client sees the same conversation through history.
	store, err := history.New(history.Config{Fetcher: s.client, PatientID: testPatient})
	require.NoError(t, err)
	active, err := store.LoadActiveConversation(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, convID, active.ExternalConversationID)

	msgs := store.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "I have a headache", msgs[0].Content)
	assert.Equal(t, "Since this morning, both sides", msgs[2].Content)
	assert.Equal(t, datatypes.SenderAssistant, msgs[3].Sender)
}

func TestIntegration_PaginationMatchesServer(t *testing.T) {
	store := NewStore()
	conv := store.Seed(testPatient, 45)
	s := newStack(t, Options{Store: store}, 20, 20)
	ctx := context.Background()

	active, err := s.model.Bootstrap(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, conv.ExternalConversationID, active.ExternalConversationID)
	assert.Equal(t, 20, s.store.Len())
	assert.True(t, s.store.HasMore())

	added, err := s.model.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, added)

	added, err = s.model.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, added)
	assert.False(t, s.store.HasMore())

	msgs := s.store.Messages()
	require.Len(t, msgs, 45)
	for i, m := range msgs {
		n, ok := m.NumericID()
		require.True(t, ok)
		assert.EqualValues(t, i+1, n, "ascending server order")
	}

	added, err = s.model.LoadMore(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}

// assertContiguous checks that msgs are server messages with consecutive
// ids starting at first.
func assertContiguous(t *testing.T, msgs []datatypes.Message, first int64) {
	t.Helper()
	for i, m := range msgs {
		n, ok := m.NumericID()
		require.True(t, ok, "server id at %d", i)
		require.EqualValues(t, first+int64(i), n, "gap at position %d", i)
	}
}

func loadAllHistory(t *testing.T, s *stack) {
	t.Helper()
	for i := 0; s.store.HasMore(); i++ {
		require.Less(t, i, 50, "paging does not terminate")
		_, err := s.model.LoadMore(context.Background())
		require.NoError(t, err)
	}
}

func TestIntegration_PaginationWithDefaultSizes(t *testing.T) {
	store := NewStore()
	store.Seed(testPatient, 60)
	s := newStack(t, Options{Store: store}, 0, 0)
	ctx := context.Background()

	_, err := s.model.Bootstrap(ctx)
	require.NoError(t, err)
	require.Equal(t, history.DefaultInitialPageSize, s.store.Len())

	loadAllHistory(t, s)

	msgs := s.store.Messages()
	require.Len(t, msgs, 60)
	assertContiguous(t, msgs, 1)
}

func TestIntegration_LoadMoreAfterLiveTurns(t *testing.T) {
	store := NewStore()
	store.Seed(testPatient, 20)
	s := newStack(t, Options{Store: store}, 10, 10)
	ctx := context.Background()

	_, err := s.model.Bootstrap(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, s.store.Len())

	const turns = 6
	for i := 1; i <= turns; i++ {
		res, err := s.model.Send(ctx, "pain update "+strconv.Itoa(i))
		require.NoError(t, err)
		require.Equal(t, session.OutcomeCompleted, res.Outcome)
	}

	loadAllHistory(t, s)

	msgs := s.store.Messages()
	require.Len(t, msgs, 20+2*turns)
	assertContiguous(t, msgs[:20], 1)

	live := msgs[20:]
	for i := 0; i < turns; i++ {
		assert.Equal(t, "pain update "+strconv.Itoa(i+1), live[2*i].Content)
		assert.Equal(t, datatypes.SenderAssistant, live[2*i+1].Sender)
	}

	count := 0
	for _, it := range s.model.Items() {
		if strings.HasPrefix(it.Content, "pain update") {
			count++
		}
	}
	assert.Equal(t, turns, count, "live turns are shown once")
}

func TestIntegration_ServerErrorShowsApology(t *testing.T) {
	s := newStack(t, Options{
		Replier: ReplierFunc(func(context.Context, string, string) (string, error) {
			return "", assert.AnError
		}),
	}, 20, 20)

	res, err := s.model.Send(context.Background(), "Hi")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeFailed, res.Outcome)

	items := s.model.Items()
	require.Len(t, items, 2)
	assert.Equal(t, conversation.DefaultApologyText, items[1].Content)
	assert.NotEmpty(t, s.model.ConversationID(), "init arrived before the error")
}

func TestIntegration_AbortMidStream(t *testing.T) {
	s := newStack(t, Options{
		DeltaInterval: 50 * time.Millisecond,
		Replier: ReplierFunc(func(context.Context, string, string) (string, error) {
			return strings.Repeat("word ", 40), nil
		}),
	}, 20, 20)

	done := make(chan session.Result, 1)
	go func() {
		res, _ := s.model.Send(context.Background(), "Hi")
		done <- res
	}()

	require.Eventually(t, func() bool {
		snap := s.model.Snapshot()
		for _, it := range snap.Items {
			if it.Provisional && it.Content != "" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, s.model.Abort())
	select {
	case res := <-done:
		assert.Equal(t, session.OutcomeAborted, res.Outcome)
		assert.NotEmpty(t, res.Content())
	case <-time.After(3 * time.Second):
		t.Fatal("send did not return after abort")
	}
	assert.False(t, s.model.IsStreaming())
}

func TestIntegration_ClientErrors(t *testing.T) {
	s := newStack(t, Options{}, 20, 20)
	ctx := context.Background()

	_, err := s.client.Messages(ctx, "missing", 0, 20)
	require.Error(t, err)
	assert.True(t, chatapi.IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), ErrConversationNotFound.Error())

	health, err := s.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthBody, health)

	convs, err := s.client.ListConversations(ctx, testPatient)
	require.NoError(t, err)
	assert.Empty(t, convs)

	active, err := s.client.ActiveConversation(ctx, testPatient)
	require.NoError(t, err)
	assert.Nil(t, active)

	resp, err := s.client.Chat(ctx, datatypes.ChatRequest{Message: "pain in my knee", PatientID: testPatient})
	require.NoError(t, err)
	require.NoError(t, s.client.DeleteConversation(ctx, resp.ConversationID))
	err = s.client.DeleteConversation(ctx, resp.ConversationID)
	assert.True(t, chatapi.IsStatus(err, http.StatusNotFound))
}
