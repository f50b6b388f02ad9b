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
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/history"
	"github.com/AleutianAI/AleutianCare/pkg/ux"
)

func runConversations(cmd *cobra.Command, _ []string) error {
	return listConversations(cmd.Context(), current, conversationsOffline)
}

func listConversations(ctx context.Context, a *app, offline bool) error {
	if offline {
		cached, ok := a.snapshots.(*history.BadgerSnapshotter)
		if !ok {
			return fmt.Errorf("transcript cache is not enabled")
		}
		ids, err := cached.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("list cached transcripts: %w", err)
		}
		for _, id := range ids {
			fmt.Fprintln(stdout, id)
		}
		return nil
	}

	convs, err := a.client.ListConversations(ctx, a.cfg.Patient.ID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	ux.NewTranscript(stdout, ux.GetPersonality()).Conversations(convs)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	opts := historyOptions{
		ConversationID: args[0],
		More:           historyMore,
		Offline:        historyOffline,
		Page:           -1,
		Size:           historySize,
	}
	if cmd.Flags().Changed("page") {
		opts.Page = historyPage
	}
	return showHistory(cmd.Context(), current, opts)
}

type historyOptions struct {
	ConversationID string

	// Page >= 0 prints one raw server page instead of the merged history.
	Page int
	Size int

	// More loads this many older pages after the initial one.
	More    int
	Offline bool
}

// showHistory prints a conversation oldest first. The merged view goes
// through a History Store, which also refreshes the cached transcript.
func showHistory(ctx context.Context, a *app, opts historyOptions) error {
	tr := ux.NewTranscript(stdout, ux.GetPersonality())

	if opts.Page >= 0 {
		size := opts.Size
		if size <= 0 {
			size = a.cfg.History.PageSize
		}
		page, err := a.client.Messages(ctx, opts.ConversationID, opts.Page, size)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", opts.Page, err)
		}
		msgs := make([]datatypes.Message, 0, len(page.Messages))
		for _, hm := range page.Messages {
			msgs = append(msgs, hm.ToMessage())
		}
		slices.Reverse(msgs)
		tr.Messages(msgs)
		if page.HasMore && ux.GetPersonality() != ux.PersonalityMachine {
			ux.Muted(fmt.Sprintf("Page %d of %d.", opts.Page+1, page.TotalPages))
		}
		return nil
	}

	store, err := a.newStore()
	if err != nil {
		return err
	}

	if opts.Offline {
		ok, err := store.RestoreSnapshot(ctx, opts.ConversationID)
		if err != nil {
			return fmt.Errorf("read cached transcript: %w", err)
		}
		if !ok {
			return fmt.Errorf("no cached transcript for %s", opts.ConversationID)
		}
		tr.Messages(store.Messages())
		return nil
	}

	if err := store.LoadInitialMessages(ctx, opts.ConversationID); err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for i := 0; i < opts.More && store.HasMore(); i++ {
		if _, err := store.LoadMoreMessages(ctx); err != nil {
			return fmt.Errorf("load older messages: %w", err)
		}
	}
	tr.Messages(store.Messages())
	if store.HasMore() && ux.GetPersonality() != ux.PersonalityMachine {
		ux.Muted("Older messages exist; use --more to load them.")
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	if !deleteYes {
		if !ux.IsInteractive() {
			return fmt.Errorf("refusing to delete without --yes when not on a terminal")
		}
		ok, err := huhConfirm(fmt.Sprintf("Delete conversation %s?", id))
		if err != nil {
			return err
		}
		if !ok {
			ux.Muted("Cancelled.")
			return nil
		}
	}
	return deleteConversation(cmd.Context(), current, id)
}

// deleteConversation removes the conversation on the server and drops its
// cached transcript.
func deleteConversation(ctx context.Context, a *app, id string) error {
	if err := a.client.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err := a.snapshots.Delete(ctx, id); err != nil {
		a.logger.Warn("could not drop cached transcript", "conversation_id", id, "error", err)
	}
	ux.Success("Deleted conversation " + id)
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	return checkHealth(cmd.Context(), current)
}

func checkHealth(ctx context.Context, a *app) error {
	var status string
	err := ux.WithSpinner("Checking "+a.client.BaseURL(), func() error {
		var err error
		status, err = a.client.Health(ctx)
		return err
	})
	if err != nil {
		return err
	}
	ux.Box("API health", fmt.Sprintf("%s\n%s", a.client.BaseURL(), status))
	return nil
}
