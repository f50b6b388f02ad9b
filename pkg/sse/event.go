// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sse decodes the chat stream's server-sent-event wire format into
// protocol events.
//
// The wire format is line oriented:
//
//	event: init
//	data: {"conversationId":"abc"}
//
//	data: Hel
//	data: lo\nworld
//	event: complete
//	data:
//
// An "event:" line names the event for the data lines that follow, until an
// empty line resets the name. Data lines with no active name are text
// deltas whose literal "\n" and "\r" escapes are turned back into control
// characters.
//
// Decoder is the incremental core: it accepts byte chunks of any size and
// holds back a trailing partial line between calls, so splitting the same
// byte stream differently never changes the resulting events. Reader drives
// a Decoder from an io.Reader such as an HTTP response body.
package sse

// EventType identifies a decoded protocol event.
type EventType string

const (
	// EventInit carries the server-assigned conversation id.
	EventInit EventType = "init"

	// EventDelta carries a fragment of assistant text.
	EventDelta EventType = "delta"

	// EventComplete signals the end of the reply. It may be emitted more
	// than once for one stream; consumers are expected to dedupe.
	EventComplete EventType = "complete"

	// EventError carries a server-reported failure message.
	EventError EventType = "error"
)

// Event is one decoded protocol event.
type Event struct {
	// Type is the event kind.
	Type EventType

	// ConversationID is set for EventInit.
	ConversationID string

	// Text is the unescaped fragment for EventDelta.
	Text string

	// Message is the failure text for EventError.
	Message string

	// Index is the zero-based position of the event in its stream.
	Index int
}

// IsTerminal reports whether the event ends the reply.
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}
