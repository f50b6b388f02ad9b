// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCare/pkg/config"
	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/ux"
	"github.com/AleutianAI/AleutianCare/services/mockapi"
)

const testPatient int64 = 11

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	ux.SetPersonalityLevel(ux.PersonalityMachine)
	os.Exit(m.Run())
}

type testEnv struct {
	app     *app
	backend *mockapi.Server
	out     *bytes.Buffer
}

// newTestEnv starts a mock API and wires an app against it, with output
// captured in env.out.
func newTestEnv(t *testing.T, patient int64, pageSize int) *testEnv {
	t.Helper()
	backend := mockapi.NewServer(mockapi.Options{})
	ts := httptest.NewServer(mockapi.NewRouter(backend, mockapi.Options{}))
	t.Cleanup(ts.Close)

	cfg := config.DefaultConfig()
	cfg.API.BaseURL = ts.URL
	cfg.Patient.ID = patient
	cfg.History.CacheDir = t.TempDir()
	cfg.History.InitialPageSize = pageSize
	cfg.History.PageSize = pageSize
	cfg.Logging.Dir = ""

	a, err := newApp(context.Background(), &cfg, appOptions{Quiet: true, Stderr: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	var out bytes.Buffer
	prevStdout, prevOut, prevErr := stdout, ux.Out, ux.ErrOut
	stdout, ux.Out, ux.ErrOut = &out, &out, &out
	t.Cleanup(func() { stdout, ux.Out, ux.ErrOut = prevStdout, prevOut, prevErr })

	return &testEnv{app: a, backend: backend, out: &out}
}

func (e *testEnv) runner(t *testing.T, inputs []string, picker conversationPicker) *chatRunner {
	t.Helper()
	model, err := e.app.newModel()
	require.NoError(t, err)
	return newChatRunner(chatRunnerConfig{
		Model:     model,
		Lister:    e.app.client,
		PatientID: e.app.cfg.Patient.ID,
		Input:     NewMockInputReader(inputs),
		Output:    e.out,
		Level:     ux.PersonalityMachine,
		Picker:    picker,
		Gatherer:  e.app.registry,
	})
}

func transcriptLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, "USER: ") || strings.HasPrefix(l, "ASSISTANT: ") {
			lines = append(lines, l)
		}
	}
	return lines
}

// =============================================================================
// Chat Runner Tests
// =============================================================================

func TestChatRunner_StreamsThenResumes(t *testing.T) {
	env := newTestEnv(t, testPatient, 15)
	ctx := context.Background()

	first := env.runner(t, []string{"", "/help", "I have a headache", "exit", "never read"}, nil)
	require.NoError(t, first.Run(ctx))
	assert.Equal(t, []string{
		"USER: I have a headache",
		`ASSISTANT: I'm sorry you're dealing with a headache.\nHow long has it lasted, and is it on one side or both?`,
	}, transcriptLines(env.out.String()), "both sides of the turn are written")
	assert.NotEmpty(t, first.cfg.Model.ConversationID())

	env.out.Reset()
	second := env.runner(t, []string{"/more"}, nil)
	require.NoError(t, second.Run(ctx))
	lines := transcriptLines(env.out.String())
	require.Len(t, lines, 2, "resumed history is printed once")
	assert.Equal(t, "USER: I have a headache", lines[0])
	assert.Equal(t, first.cfg.Model.ConversationID(), second.cfg.Model.ConversationID())
}

func TestChatRunner_MissingPatientMakesNoRequest(t *testing.T) {
	env := newTestEnv(t, 0, 15)

	r := env.runner(t, []string{"hello"}, nil)
	require.NoError(t, r.Run(context.Background()))

	assert.Contains(t, env.out.String(), "WARN: Could not load your active conversation")
	assert.Contains(t, env.out.String(), "WARN: No patient is configured.")
	assert.Empty(t, transcriptLines(env.out.String()))
	assert.Empty(t, env.backend.Store().List(0))
}

func TestChatRunner_NewAndPick(t *testing.T) {
	env := newTestEnv(t, testPatient, 15)
	seeded := env.backend.Store().Seed(testPatient, 45)

	var offered []datatypes.Conversation
	picker := func(_ context.Context, convs []datatypes.Conversation) (string, error) {
		offered = convs
		return seeded.ExternalConversationID, nil
	}

	r := env.runner(t, []string{"/new", "Fever since yesterday", "/pick"}, picker)
	require.NoError(t, r.Run(context.Background()))

	require.Len(t, offered, 2)
	assert.Equal(t, seeded.ExternalConversationID, r.cfg.Model.ConversationID())

	out := env.out.String()
	assert.Contains(t, out, "USER: Fever since yesterday")
	assert.Contains(t, out, "ASSISTANT: Thanks for letting me know.")
	assert.Equal(t, 2, strings.Count(out, "USER: Symptom update 45"), "printed on resume and on pick")
}

func TestChatRunner_MoreLoadsOlderPages(t *testing.T) {
	env := newTestEnv(t, testPatient, 20)
	env.backend.Store().Seed(testPatient, 25)

	r := env.runner(t, []string{"/more", "/more"}, nil)
	require.NoError(t, r.Run(context.Background()))

	lines := transcriptLines(env.out.String())
	require.Len(t, lines, 25)
	assert.Equal(t, "USER: Symptom update 25", lines[19], "resumed page ends with the newest")
	assert.Equal(t, "USER: Symptom update 1", lines[20], "older page printed after")
	assert.Len(t, r.cfg.Model.Items(), 25)
}

func TestChatRunner_Stats(t *testing.T) {
	env := newTestEnv(t, testPatient, 15)

	r := env.runner(t, []string{"hello", "/stats"}, nil)
	require.NoError(t, r.Run(context.Background()))

	assert.Contains(t, env.out.String(), "carechat_stream_streams_total{outcome=completed} 1")
	assert.Contains(t, env.out.String(), "carechat_stream_deltas_total ")
}

// =============================================================================
// Command Tests
// =============================================================================

func TestAsk(t *testing.T) {
	env := newTestEnv(t, testPatient, 15)
	ctx := context.Background()

	require.NoError(t, ask(ctx, env.app, "pain in my back", false))
	assert.Contains(t, env.out.String(), "ASSISTANT: On a scale from 1 to 10")
	require.Len(t, env.backend.Store().List(testPatient), 1)

	require.NoError(t, ask(ctx, env.app, "about a 6", true))
	convs := env.backend.Store().List(testPatient)
	require.Len(t, convs, 1, "--continue reuses the active conversation")
	assert.Equal(t, 4, convs[0].MessageCount)
}

func TestShowHistory_OnlineOfflineAndPage(t *testing.T) {
	env := newTestEnv(t, testPatient, 20)
	conv := env.backend.Store().Seed(testPatient, 45)
	ctx := context.Background()
	id := conv.ExternalConversationID

	require.NoError(t, showHistory(ctx, env.app, historyOptions{ConversationID: id, Page: -1, More: 1}))
	online := transcriptLines(env.out.String())
	require.Len(t, online, 40)
	assert.Equal(t, "ASSISTANT: Noted, thank you for update 5.", online[0])
	assert.Equal(t, "USER: Symptom update 45", online[39])

	env.out.Reset()
	require.NoError(t, showHistory(ctx, env.app, historyOptions{ConversationID: id, Page: -1, Offline: true}))
	assert.Equal(t, online, transcriptLines(env.out.String()))

	env.out.Reset()
	require.NoError(t, showHistory(ctx, env.app, historyOptions{ConversationID: id, Page: 0, Size: 5}))
	page := transcriptLines(env.out.String())
	require.Len(t, page, 5)
	assert.Equal(t, "USER: Symptom update 41", page[0])

	err := showHistory(ctx, env.app, historyOptions{ConversationID: "unknown", Page: -1, Offline: true})
	assert.ErrorContains(t, err, "no cached transcript")
}

func TestListConversations(t *testing.T) {
	env := newTestEnv(t, testPatient, 15)
	conv := env.backend.Store().Seed(testPatient, 3)
	ctx := context.Background()

	require.NoError(t, listConversations(ctx, env.app, false))
	assert.Contains(t, env.out.String(), conv.ExternalConversationID+"\tACTIVE\t3\t")

	env.out.Reset()
	require.NoError(t, listConversations(ctx, env.app, true))
	assert.Empty(t, env.out.String(), "nothing cached yet")

	require.NoError(t, showHistory(ctx, env.app, historyOptions{ConversationID: conv.ExternalConversationID, Page: -1}))
	env.out.Reset()
	require.NoError(t, listConversations(ctx, env.app, true))
	assert.Equal(t, conv.ExternalConversationID+"\n", env.out.String())
}

func TestDeleteConversation(t *testing.T) {
	env := newTestEnv(t, testPatient, 15)
	conv := env.backend.Store().Seed(testPatient, 3)
	ctx := context.Background()
	id := conv.ExternalConversationID

	require.NoError(t, showHistory(ctx, env.app, historyOptions{ConversationID: id, Page: -1}))
	require.NoError(t, deleteConversation(ctx, env.app, id))
	assert.Contains(t, env.out.String(), "OK: Deleted conversation "+id)

	_, err := env.backend.Store().Get(id)
	assert.ErrorIs(t, err, mockapi.ErrConversationNotFound)
	err = showHistory(ctx, env.app, historyOptions{ConversationID: id, Page: -1, Offline: true})
	assert.ErrorContains(t, err, "no cached transcript")

	assert.Error(t, deleteConversation(ctx, env.app, id))
}

func TestCheckHealth(t *testing.T) {
	env := newTestEnv(t, testPatient, 15)

	require.NoError(t, checkHealth(context.Background(), env.app))
	out := env.out.String()
	assert.Contains(t, out, "PROGRESS: Checking "+env.app.client.BaseURL())
	assert.Contains(t, out, "OK: Checking")
	assert.Contains(t, out, "API health: "+env.app.client.BaseURL()+"\nUP")
}

func TestNewApp_CacheFallsBackToMemory(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.History.CacheDir = dir
	cfg.Logging.Dir = ""

	first, err := newApp(context.Background(), &cfg, appOptions{Stderr: io.Discard})
	require.NoError(t, err)
	defer first.Close()
	require.NotNil(t, first.cache)

	second, err := newApp(context.Background(), &cfg, appOptions{Stderr: io.Discard})
	require.NoError(t, err)
	defer second.Close()
	assert.Nil(t, second.cache, "directory is locked by the first app")
	assert.NotNil(t, second.snapshots)
}

func TestNewApp_Overrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Dir = ""
	a, err := newApp(context.Background(), &cfg, appOptions{
		PatientID: 99,
		LogLevel:  "debug",
		NoCache:   true,
		Stderr:    io.Discard,
	})
	require.NoError(t, err)
	defer a.Close()

	assert.EqualValues(t, 99, a.cfg.Patient.ID)
	assert.Equal(t, "debug", a.cfg.Logging.Level)
	assert.Nil(t, a.cache)

	cfg.Logging.Level = "loud"
	_, err = newApp(context.Background(), &cfg, appOptions{NoCache: true, Stderr: io.Discard})
	assert.Error(t, err)
}

// =============================================================================
// Input Tests
// =============================================================================

func TestStdinReader(t *testing.T) {
	r := NewStdinReader(strings.NewReader("  first \nsecond\nlast"))
	for _, want := range []string{"first", "second", "last"} {
		got, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMockInputReader(t *testing.T) {
	r := NewMockInputReader([]string{"a"})
	got, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "a", got)
	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestInputModel_HistoryNavigation(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 2}
	r.addToHistory("one")
	r.addToHistory("one")
	r.addToHistory("two")
	r.addToHistory("three")
	assert.Equal(t, []string{"two", "three"}, r.history)

	ti := textinput.New()
	ti.SetValue("draft")
	var m tea.Model = inputModel{textInput: ti, history: r.history, historyIndex: -1}

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "three", m.(inputModel).textInput.Value())
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "two", m.(inputModel).textInput.Value())
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "draft", m.(inputModel).textInput.Value())

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlD})
	assert.False(t, m.(inputModel).cancelled, "Ctrl+D with text does not end input")

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, "", m.(inputModel).textInput.Value())
	assert.True(t, m.(inputModel).done)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestConversationOptions(t *testing.T) {
	convs := []datatypes.Conversation{
		{ExternalConversationID: "a", InitialSymptom: "Headache", MessageCount: 4, Status: datatypes.ConversationActive},
		{ExternalConversationID: "b", MessageCount: 2, Status: datatypes.ConversationCompleted},
	}
	opts := conversationOptions(convs, time.Now())
	require.Len(t, opts, 2)
	assert.Equal(t, "a", opts[0].Value)
	assert.Contains(t, opts[0].Key, "Headache")
	assert.Contains(t, opts[0].Key, "[active]")
	assert.Contains(t, opts[1].Key, "your health")
	assert.NotContains(t, opts[1].Key, "[active]")
}

func TestIsExitCommand(t *testing.T) {
	assert.True(t, isExitCommand("exit"))
	assert.True(t, isExitCommand("quit"))
	assert.False(t, isExitCommand("Exit please"))
}
