// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
)

const (
	userLabel      = "You"
	assistantLabel = "Care Assistant"
)

// Transcript renders chat messages and streamed replies.
//
// # Description
//
// Committed messages print as a label line followed by the content. A
// streamed reply prints its label on BeginReply, each fragment as it
// arrives, and is closed by EndReply, which prints whatever the final
// text adds beyond what was streamed (a fallback or apology when nothing
// arrived). Machine mode buffers the reply and prints one
// "ASSISTANT: ..." line at the end.
//
// # Thread Safety
//
// Safe for concurrent use.
type Transcript struct {
	w     io.Writer
	level PersonalityLevel
	now   func() time.Time

	mu        sync.Mutex
	streaming bool
	streamed  strings.Builder
}

// NewTranscript creates a renderer writing to w at level.
func NewTranscript(w io.Writer, level PersonalityLevel) *Transcript {
	return &Transcript{w: w, level: level, now: time.Now}
}

// Message prints one committed message.
func (t *Transcript) Message(msg datatypes.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.level == PersonalityMachine {
		fmt.Fprintf(t.w, "%s: %s\n", machineLabel(msg.Sender), oneLine(msg.Content))
		return
	}
	fmt.Fprintln(t.w, t.label(msg.Sender, msg.Timestamp))
	fmt.Fprintln(t.w, msg.Content)
	if t.level == PersonalityFull && msg.Sender == datatypes.SenderAssistant && msg.ResponseTime > 0 {
		fmt.Fprintln(t.w, Styles.Muted.Render("answered in "+FormatDuration(msg.ResponseTime)))
	}
	fmt.Fprintln(t.w)
}

// Messages prints msgs in order.
func (t *Transcript) Messages(msgs []datatypes.Message) {
	for _, m := range msgs {
		t.Message(m)
	}
}

// BeginReply starts a streamed assistant reply.
func (t *Transcript) BeginReply() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming = true
	t.streamed.Reset()
	if t.level != PersonalityMachine {
		fmt.Fprintln(t.w, t.label(datatypes.SenderAssistant, time.Time{}))
	}
}

// Delta prints one fragment of the reply.
func (t *Transcript) Delta(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.streaming {
		return
	}
	t.streamed.WriteString(text)
	if t.level != PersonalityMachine {
		fmt.Fprint(t.w, text)
	}
}

// EndReply closes the streamed reply with its committed form. errMsg, when
// set, is printed as a warning after the reply.
func (t *Transcript) EndReply(final datatypes.Message, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.streaming {
		return
	}
	t.streaming = false
	shown := t.streamed.String()
	t.streamed.Reset()

	if t.level == PersonalityMachine {
		if final.Content != "" {
			fmt.Fprintf(t.w, "ASSISTANT: %s\n", oneLine(final.Content))
		}
		if errMsg != "" {
			fmt.Fprintf(t.w, "ERROR: %s\n", oneLine(errMsg))
		}
		return
	}

	if rest, ok := strings.CutPrefix(final.Content, shown); ok {
		fmt.Fprint(t.w, rest)
	} else {
		fmt.Fprint(t.w, "\n"+final.Content)
	}
	fmt.Fprintln(t.w)
	if errMsg != "" {
		fmt.Fprintf(t.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(errMsg))
	}
	if t.level == PersonalityFull && final.ResponseTime > 0 {
		fmt.Fprintln(t.w, Styles.Muted.Render("answered in "+FormatDuration(final.ResponseTime)))
	}
	fmt.Fprintln(t.w)
}

// Conversations prints a conversation list, newest activity first as
// given.
func (t *Transcript) Conversations(convs []datatypes.Conversation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(convs) == 0 {
		if t.level == PersonalityMachine {
			return
		}
		fmt.Fprintln(t.w, Styles.Muted.Render("No conversations yet."))
		return
	}
	for _, c := range convs {
		if t.level == PersonalityMachine {
			fmt.Fprintf(t.w, "%s\t%s\t%d\t%s\n",
				c.ExternalConversationID, c.Status, c.MessageCount,
				time.Time(c.UpdatedAt).UTC().Format(time.RFC3339))
			continue
		}
		title := c.InitialSymptom
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(t.w, "%s %s %s\n",
			IconBullet.Render(),
			Styles.Bold.Render(title),
			Styles.Muted.Render(fmt.Sprintf("[%s]", strings.ToLower(string(c.Status)))),
		)
		fmt.Fprintf(t.w, "  %s  %d messages  %s\n",
			Styles.Highlight.Render(c.ExternalConversationID),
			c.MessageCount,
			Styles.Muted.Render(FormatRelativeTime(time.Time(c.UpdatedAt), t.now())),
		)
		if c.LastMessage != "" {
			fmt.Fprintf(t.w, "  %s\n", Styles.Muted.Render(truncate(oneLine(c.LastMessage), 72)))
		}
	}
}

func (t *Transcript) label(sender datatypes.Sender, at time.Time) string {
	name := assistantLabel
	style := Styles.AssistantLabel
	if sender == datatypes.SenderUser {
		name = userLabel
		style = Styles.UserLabel
	}
	if t.level == PersonalityMinimal {
		return name + ":"
	}
	if t.level == PersonalityFull && !at.IsZero() {
		return style.Render(name) + " " + Styles.Muted.Render(at.Local().Format("Jan 2 15:04"))
	}
	return style.Render(name)
}

func machineLabel(sender datatypes.Sender) string {
	if sender == datatypes.SenderUser {
		return "USER"
	}
	return "ASSISTANT"
}

// oneLine collapses newlines so machine output stays one record per line.
func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r", ""), "\n", `\n`)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

// FormatDuration renders d compactly: 850ms, 2.4s, 3m 5s, 1h 2m.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs == 0 {
			return fmt.Sprintf("%dm", mins)
		}
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatRelativeTime renders t relative to now: "just now", "5 mins ago",
// "2h ago", "3 days ago", "2 weeks ago", or a date.
func FormatRelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		if mins := int(diff.Minutes()); mins != 1 {
			return fmt.Sprintf("%d mins ago", mins)
		}
		return "1 min ago"
	case diff < 24*time.Hour:
		if hours := int(diff.Hours()); hours != 1 {
			return fmt.Sprintf("%dh ago", hours)
		}
		return "1h ago"
	case diff < 7*24*time.Hour:
		if days := int(diff.Hours() / 24); days != 1 {
			return fmt.Sprintf("%d days ago", days)
		}
		return "1 day ago"
	case diff < 30*24*time.Hour:
		if weeks := int(diff.Hours() / (24 * 7)); weeks != 1 {
			return fmt.Sprintf("%d weeks ago", weeks)
		}
		return "1 week ago"
	}
	return t.Format("Jan 2, 2006")
}
