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
	"time"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/ux"
)

// huhPicker shows a select list of conversations.
func huhPicker(ctx context.Context, convs []datatypes.Conversation) (string, error) {
	var id string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Choose a conversation").
				Options(conversationOptions(convs, time.Now())...).
				Value(&id),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", nil
		}
		return "", fmt.Errorf("pick conversation: %w", err)
	}
	return id, nil
}

func conversationOptions(convs []datatypes.Conversation, now time.Time) []huh.Option[string] {
	opts := make([]huh.Option[string], 0, len(convs))
	for _, c := range convs {
		label := fmt.Sprintf("%s  (%d messages, %s)",
			symptomOf(c), c.MessageCount, ux.FormatRelativeTime(time.Time(c.UpdatedAt), now))
		if c.Status == datatypes.ConversationActive {
			label += "  [active]"
		}
		opts = append(opts, huh.NewOption(label, c.ExternalConversationID))
	}
	return opts
}

// huhConfirm asks a yes/no question, defaulting to no.
func huhConfirm(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Delete").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}
