// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sse

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianCare/pkg/logging"
)

const (
	eventPrefix = "event:"
	dataPrefix  = "data:"
)

// deltaUnescaper reverses the server's escaping of control characters in
// delta payloads.
var deltaUnescaper = strings.NewReplacer(`\n`, "\n", `\r`, "\r")

// Decoder turns byte chunks into events.
//
// # Description
//
// Decoder keeps two pieces of state between calls: the pending fragment
// (bytes after the last newline seen) and the current event name. Feed
// appends a chunk, processes every complete line, and keeps the remainder.
// Flush processes the remainder as a final line and always appends an
// EventComplete, so a stream that ends without an explicit completion
// still completes.
//
// Splitting on the newline byte is safe for UTF-8 input: 0x0A never occurs
// inside a multi-byte sequence, so a rune split across chunks is rejoined
// in the pending fragment before it is decoded.
//
// # Limitations
//
//   - Not safe for concurrent use. One Decoder serves one stream.
//   - Malformed init payloads are logged at Warn and dropped.
type Decoder struct {
	pending   []byte
	eventName string
	index     int
	logger    *slog.Logger
}

// NewDecoder creates a Decoder. A nil logger discards log output.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Decoder{logger: logger}
}

// Feed consumes a chunk and returns the events completed by it.
// The returned slice is nil when the chunk completes no data line.
func (d *Decoder) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := string(d.pending[:i])
		d.pending = d.pending[i+1:]
		if ev, ok := d.processLine(line); ok {
			events = append(events, ev)
		}
	}

	// Release the consumed prefix once nothing is pending.
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return events
}

// Flush ends the stream. Any pending fragment is processed as a final
// line, then an EventComplete is appended unconditionally.
func (d *Decoder) Flush() []Event {
	var events []Event
	if len(d.pending) > 0 {
		line := string(d.pending)
		d.pending = nil
		if ev, ok := d.processLine(line); ok {
			events = append(events, ev)
		}
	}
	events = append(events, d.stamp(Event{Type: EventComplete}))
	return events
}

// Reset clears all state so the Decoder can serve a new stream.
func (d *Decoder) Reset() {
	d.pending = nil
	d.eventName = ""
	d.index = 0
}

// Pending returns the number of buffered bytes awaiting a newline.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

func (d *Decoder) processLine(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")

	switch {
	case line == "":
		d.eventName = ""
		return Event{}, false

	case strings.HasPrefix(line, ":"):
		// comment / keep-alive
		return Event{}, false

	case strings.HasPrefix(line, eventPrefix):
		d.eventName = strings.TrimSpace(line[len(eventPrefix):])
		return Event{}, false

	case strings.HasPrefix(line, dataPrefix):
		payload := strings.TrimPrefix(line[len(dataPrefix):], " ")
		return d.dispatch(payload)

	default:
		d.logger.Debug("ignoring unrecognized stream line", "line_len", len(line))
		return Event{}, false
	}
}

func (d *Decoder) dispatch(payload string) (Event, bool) {
	switch d.eventName {
	case string(EventInit):
		var body struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			d.logger.Warn("skipping malformed init frame", "error", err, "payload_len", len(payload))
			return Event{}, false
		}
		if body.ConversationID == "" {
			d.logger.Debug("init frame without conversationId")
			return Event{}, false
		}
		return d.stamp(Event{Type: EventInit, ConversationID: body.ConversationID}), true

	case string(EventComplete):
		return d.stamp(Event{Type: EventComplete}), true

	case string(EventError):
		return d.stamp(Event{Type: EventError, Message: errorMessage(payload)}), true

	default:
		return d.stamp(Event{Type: EventDelta, Text: deltaUnescaper.Replace(payload)}), true
	}
}

func (d *Decoder) stamp(ev Event) Event {
	ev.Index = d.index
	d.index++
	return ev
}

// errorMessage prefers the "error" field of a JSON payload and falls back to
// the raw payload.
func errorMessage(payload string) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err == nil && body.Error != "" {
		return body.Error
	}
	return payload
}
