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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// SSEWriter writes the chat stream framing: an "init" event carrying the
// conversation id, unlabeled data lines for text deltas, and a terminal
// "complete" or "error" event.
type SSEWriter interface {
	WriteInit(conversationID string) error
	WriteDelta(text string) error
	WriteComplete() error
	WriteError(errMsg string) error
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w, which must support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// deltaEscaper keeps each delta on one data line. The client reverses it.
var deltaEscaper = strings.NewReplacer("\n", `\n`, "\r", `\r`)

func (w *sseWriter) WriteInit(conversationID string) error {
	data, err := json.Marshal(struct {
		ConversationID string `json:"conversationId"`
	}{conversationID})
	if err != nil {
		return fmt.Errorf("marshal init: %w", err)
	}
	return w.write("event: init\ndata: %s\n\n", data)
}

func (w *sseWriter) WriteDelta(text string) error {
	return w.write("data: %s\n\n", deltaEscaper.Replace(text))
}

func (w *sseWriter) WriteComplete() error {
	return w.write("event: complete\ndata: {}\n\n")
}

func (w *sseWriter) WriteError(errMsg string) error {
	data, err := json.Marshal(struct {
		Error string `json:"error"`
	}{errMsg})
	if err != nil {
		return fmt.Errorf("marshal error event: %w", err)
	}
	return w.write("event: error\ndata: %s\n\n", data)
}

func (w *sseWriter) WriteKeepAlive() error {
	return w.write(": ping\n\n")
}

func (w *sseWriter) write(format string, args ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, format, args...); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers for a streaming response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
