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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/AleutianCare/pkg/logging"
)

// ErrStop may be returned from a Callback to end reading early without
// reporting an error. Read returns nil in that case.
var ErrStop = errors.New("sse: stop reading")

// DefaultChunkSize is the read buffer size used by NewReader.
const DefaultChunkSize = 4096

// Callback receives each decoded event in stream order.
type Callback func(Event) error

// =============================================================================
// Stream Reader Interface
// =============================================================================

// StreamReader reads a chat stream and invokes a callback per event.
//
// Example:
//
//	reader := sse.NewReader(logger)
//	err := reader.Read(ctx, resp.Body, func(ev sse.Event) error {
//	    if ev.Type == sse.EventDelta {
//	        fmt.Print(ev.Text)
//	    }
//	    return nil
//	})
type StreamReader interface {
	// Read decodes r until EOF, callback error, or context cancellation.
	//
	// At EOF the decoder is flushed, so the final event delivered is always
	// an EventComplete unless the callback stopped reading first.
	// The caller owns r and closes it.
	//
	// Returns nil at EOF or when the callback returns ErrStop, ctx.Err()
	// on cancellation, the callback's error, or a wrapped read error.
	Read(ctx context.Context, r io.Reader, callback Callback) error

	// ReadAll collects every event of the stream.
	ReadAll(ctx context.Context, r io.Reader) ([]Event, error)
}

// =============================================================================
// Implementation
// =============================================================================

type reader struct {
	chunkSize int
	logger    *slog.Logger
}

// NewReader creates a StreamReader with the default chunk size.
func NewReader(logger *slog.Logger) StreamReader {
	return NewReaderSize(logger, DefaultChunkSize)
}

// NewReaderSize creates a StreamReader reading at most size bytes per chunk.
// Values below 1 fall back to DefaultChunkSize.
func NewReaderSize(logger *slog.Logger, size int) StreamReader {
	if logger == nil {
		logger = logging.Nop()
	}
	if size < 1 {
		size = DefaultChunkSize
	}
	return &reader{chunkSize: size, logger: logger}
}

func (r *reader) Read(ctx context.Context, src io.Reader, callback Callback) error {
	dec := NewDecoder(r.logger)
	buf := make([]byte, r.chunkSize)

	deliver := func(events []Event) error {
		for _, ev := range events {
			if err := callback(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if err := deliver(dec.Feed(buf[:n])); err != nil {
				return stopOrErr(err)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return stopOrErr(deliver(dec.Flush()))
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read stream: %w", readErr)
		}
	}
}

func (r *reader) ReadAll(ctx context.Context, src io.Reader) ([]Event, error) {
	var events []Event
	err := r.Read(ctx, src, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func stopOrErr(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

var _ StreamReader = (*reader)(nil)
