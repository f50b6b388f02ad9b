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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCare/pkg/session"
	"github.com/AleutianAI/AleutianCare/pkg/ux"
)

const inputHistorySize = 50

func runChat(cmd *cobra.Command, _ []string) error {
	a := current
	model, err := a.newModel()
	if err != nil {
		return err
	}

	level := ux.GetPersonality()
	if level != ux.PersonalityMachine {
		ux.Title("Care Chat")
		ux.Muted("Type /help for commands, exit to leave.")
	}

	runner := newChatRunner(chatRunnerConfig{
		Model:            model,
		Lister:           a.client,
		PatientID:        a.cfg.Patient.ID,
		Input:            NewInteractiveInputReader(inputHistorySize),
		Output:           stdout,
		Level:            level,
		Picker:           huhPicker,
		Gatherer:         a.registry,
		Logger:           a.logger.Slog(),
		AbortOnInterrupt: true,
	})
	return runner.Run(cmd.Context())
}

func runAsk(cmd *cobra.Command, args []string) error {
	return ask(cmd.Context(), current, strings.Join(args, " "), askContinue)
}

// ask sends one message, optionally continuing the active conversation,
// and prints the reply as it streams.
func ask(ctx context.Context, a *app, text string, resume bool) error {
	model, err := a.newModel()
	if err != nil {
		return err
	}
	if resume {
		if _, err := model.Bootstrap(ctx); err != nil {
			return fmt.Errorf("load active conversation: %w", err)
		}
	}

	runner := newChatRunner(chatRunnerConfig{
		Model:     model,
		PatientID: a.cfg.Patient.ID,
		Output:    stdout,
		Level:     ux.GetPersonality(),
		Logger:    a.logger.Slog(),
	})
	res, err := runner.turn(ctx, text)
	if err != nil {
		return err
	}
	if res.Outcome == session.OutcomeFailed {
		if res.ErrorMessage == "" {
			return errors.New("reply failed")
		}
		return errors.New(res.ErrorMessage)
	}
	if id := model.ConversationID(); id != "" && ux.GetPersonality() != ux.PersonalityMachine {
		ux.Muted("Conversation " + id)
	}
	return nil
}
