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
	"fmt"
	"strings"
)

// Replier produces the assistant's reply to one patient message.
type Replier interface {
	Reply(ctx context.Context, conversationID, message string) (string, error)
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, conversationID, message string) (string, error)

// Reply calls f.
func (f ReplierFunc) Reply(ctx context.Context, conversationID, message string) (string, error) {
	return f(ctx, conversationID, message)
}

// TriageReplier answers with a short canned follow-up question chosen by
// keyword, so a developer sees plausible multi-line replies.
type TriageReplier struct{}

// Reply implements Replier.
func (TriageReplier) Reply(_ context.Context, _ string, message string) (string, error) {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "headache"):
		return "I'm sorry you're dealing with a headache.\nHow long has it lasted, and is it on one side or both?", nil
	case strings.Contains(lower, "fever"):
		return "Thanks for letting me know.\nWhat is your temperature right now, and when did the fever start?", nil
	case strings.Contains(lower, "pain"):
		return "On a scale from 1 to 10, how strong is the pain?\nDoes anything make it better or worse?", nil
	}
	return fmt.Sprintf("Thanks, I've noted: %q.\nCan you tell me more about when this started?", message), nil
}

// chunk splits text into word-sized deltas, keeping separators so that
// concatenating the chunks reproduces text exactly.
func chunk(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == ' ' || r == '\n' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
