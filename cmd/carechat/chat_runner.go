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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianCare/pkg/conversation"
	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/pkg/session"
	"github.com/AleutianAI/AleutianCare/pkg/ux"
)

const (
	cmdMore  = "/more"
	cmdNew   = "/new"
	cmdPick  = "/pick"
	cmdStats = "/stats"
	cmdHelp  = "/help"
)

const chatHelp = `Commands:
  /more    load older messages
  /new     start a new conversation
  /pick    switch to another conversation
  /stats   show request statistics
  exit     leave the chat`

// conversationLister is the part of the API client /pick needs.
type conversationLister interface {
	ListConversations(ctx context.Context, patientID int64) ([]datatypes.Conversation, error)
}

// conversationPicker asks the user to choose one of convs and returns its
// external id, or "" when the user backs out.
type conversationPicker func(ctx context.Context, convs []datatypes.Conversation) (string, error)

// chatRunnerConfig groups what a chatRunner needs.
type chatRunnerConfig struct {
	Model     *conversation.Model
	Lister    conversationLister
	PatientID int64
	Input     InputReader
	Output    io.Writer
	Level     ux.PersonalityLevel
	Picker    conversationPicker
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger

	// AbortOnInterrupt stops a streaming reply on Ctrl+C instead of
	// exiting. Off in tests.
	AbortOnInterrupt bool
}

// chatRunner drives an interactive conversation.
type chatRunner struct {
	cfg        chatRunnerConfig
	transcript *ux.Transcript
	prompt     string
}

func newChatRunner(cfg chatRunnerConfig) *chatRunner {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	prompt := "You> "
	if cfg.Level == ux.PersonalityMachine {
		prompt = ""
	}
	return &chatRunner{
		cfg:        cfg,
		transcript: ux.NewTranscript(cfg.Output, cfg.Level),
		prompt:     prompt,
	}
}

// Run resumes the active conversation, if any, then reads and answers
// lines until exit or end of input.
func (r *chatRunner) Run(ctx context.Context) error {
	conv, err := r.cfg.Model.Bootstrap(ctx)
	switch {
	case err != nil:
		r.warn(fmt.Sprintf("Could not load your active conversation: %v", err))
	case conv != nil:
		r.info(fmt.Sprintf("Resuming your conversation about %q", symptomOf(*conv)))
		r.transcript.Messages(r.committed())
		if r.cfg.Model.Snapshot().HasMore {
			r.muted("Type /more to see earlier messages.")
		}
	default:
		r.info("How can I help you today?")
	}

	if p, ok := r.cfg.Input.(PromptingInputReader); ok {
		p.SetPrompt(r.prompt)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, ok := r.cfg.Input.(PromptingInputReader); !ok && r.prompt != "" {
			fmt.Fprint(r.cfg.Output, r.prompt)
		}

		line, err := r.cfg.Input.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case isExitCommand(line):
			return nil
		case line == cmdHelp:
			r.muted(chatHelp)
		case line == cmdMore:
			r.loadMore(ctx)
		case line == cmdNew:
			r.cfg.Model.Reset()
			r.info("Started a new conversation.")
		case line == cmdPick:
			r.pick(ctx)
		case line == cmdStats:
			r.stats()
		default:
			r.send(ctx, line)
		}
	}
}

// send streams one reply and reports request errors inline.
func (r *chatRunner) send(ctx context.Context, text string) {
	_, err := r.turn(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, datatypes.ErrPatientRequired):
		r.warn("No patient is configured. Set patient.id in carechat.yaml or pass --patient.")
	case errors.Is(err, datatypes.ErrEmptyMessage):
	default:
		r.warn(err.Error())
	}
}

// turn sends text and renders the reply as it streams.
func (r *chatRunner) turn(ctx context.Context, text string) (session.Result, error) {
	if r.cfg.AbortOnInterrupt {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		done := make(chan struct{})
		defer func() {
			signal.Stop(sigs)
			close(done)
		}()
		go func() {
			select {
			case <-sigs:
				r.cfg.Model.Abort()
			case <-done:
			}
		}()
	}

	begun, streamed := false, 0
	begin := func(items []conversation.Item) {
		r.echoUser(items, text)
		r.transcript.BeginReply()
		begun = true
	}
	unsubscribe := r.cfg.Model.Subscribe(func(snap conversation.Snapshot) {
		n := len(snap.Items)
		if n == 0 || !snap.Items[n-1].Provisional {
			return
		}
		if !begun {
			begin(snap.Items)
		}
		if content := snap.Items[n-1].Content; len(content) > streamed {
			r.transcript.Delta(content[streamed:])
			streamed = len(content)
		}
	})
	defer unsubscribe()

	res, err := r.cfg.Model.Send(ctx, text)
	if err != nil {
		if begun {
			r.transcript.EndReply(datatypes.Message{}, "")
		}
		return res, err
	}
	if !begun {
		begin(r.cfg.Model.Items())
	}

	var final datatypes.Message
	if items := r.cfg.Model.Items(); len(items) > 0 {
		if last := items[len(items)-1]; last.Sender == datatypes.SenderAssistant {
			final = last.Message
		}
	}
	errMsg := res.ErrorMessage
	if res.Outcome == session.OutcomeAborted {
		errMsg = "Reply stopped."
	}
	r.transcript.EndReply(final, errMsg)
	return res, nil
}

// echoUser writes the committed user turn in machine mode, so a scripted
// transcript holds both sides. Interactive users already see what they
// typed.
func (r *chatRunner) echoUser(items []conversation.Item, text string) {
	if r.cfg.Level != ux.PersonalityMachine {
		return
	}
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].IsUser() && !items[i].Provisional {
			r.transcript.Message(items[i].Message)
			return
		}
	}
	r.transcript.Message(datatypes.Message{Sender: datatypes.SenderUser, Content: text})
}

// loadMore prints the older messages that /more brought in.
func (r *chatRunner) loadMore(ctx context.Context) {
	if r.cfg.Model.ConversationID() == "" {
		r.muted("There is no earlier history.")
		return
	}
	added, err := r.cfg.Model.LoadMore(ctx)
	if err != nil {
		r.warn(fmt.Sprintf("Could not load earlier messages: %v", err))
		return
	}
	if added == 0 {
		r.muted("There is no earlier history.")
		return
	}
	r.muted(fmt.Sprintf("%d earlier messages:", added))
	r.transcript.Messages(r.committed()[:added])
}

// pick switches to a conversation chosen from the patient's list.
func (r *chatRunner) pick(ctx context.Context) {
	if r.cfg.Lister == nil || r.cfg.Picker == nil {
		r.warn("Switching conversations is not available.")
		return
	}
	convs, err := r.cfg.Lister.ListConversations(ctx, r.cfg.PatientID)
	if err != nil {
		r.warn(fmt.Sprintf("Could not list conversations: %v", err))
		return
	}
	if len(convs) == 0 {
		r.muted("You have no other conversations.")
		return
	}
	id, err := r.cfg.Picker(ctx, convs)
	if err != nil {
		r.warn(err.Error())
		return
	}
	if id == "" {
		return
	}
	if err := r.cfg.Model.Open(ctx, id); err != nil {
		r.warn(fmt.Sprintf("Could not open conversation: %v", err))
		return
	}
	r.transcript.Messages(r.committed())
}

// stats prints the client's own counters.
func (r *chatRunner) stats() {
	if r.cfg.Gatherer == nil {
		return
	}
	families, err := r.cfg.Gatherer.Gather()
	if err != nil {
		r.warn(err.Error())
		return
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			name := mf.GetName()
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			lines = append(lines, fmt.Sprintf("%s %g", name, value))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(r.cfg.Output, l)
	}
}

func (r *chatRunner) committed() []datatypes.Message {
	items := r.cfg.Model.Items()
	out := make([]datatypes.Message, 0, len(items))
	for _, it := range items {
		if !it.Provisional {
			out = append(out, it.Message)
		}
	}
	return out
}

func (r *chatRunner) info(text string) {
	if r.cfg.Level == ux.PersonalityMachine {
		return
	}
	fmt.Fprintln(r.cfg.Output, ux.Styles.Highlight.Render(text))
}

func (r *chatRunner) muted(text string) {
	if r.cfg.Level == ux.PersonalityMachine {
		return
	}
	fmt.Fprintln(r.cfg.Output, ux.Styles.Muted.Render(text))
}

func (r *chatRunner) warn(text string) {
	if r.cfg.Level == ux.PersonalityMachine {
		fmt.Fprintf(r.cfg.Output, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(r.cfg.Output, "%s %s\n", ux.IconWarning.Render(), ux.Styles.Warning.Render(text))
}

func symptomOf(c datatypes.Conversation) string {
	if c.InitialSymptom != "" {
		return c.InitialSymptom
	}
	return "your health"
}

func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}
