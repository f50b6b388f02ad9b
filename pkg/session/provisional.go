// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
)

// Provisional is the assistant message being streamed.
//
// It is a value: Append returns an updated copy and never mutates the
// receiver, so a snapshot handed to a callback stays valid after later
// deltas arrive.
type Provisional struct {
	// ID is the local id the message keeps when it is committed.
	ID string

	// Content is the concatenation of every delta so far.
	Content string

	// Deltas counts the fragments received.
	Deltas int

	// StartedAt is when the request was issued.
	StartedAt time.Time

	// FirstDeltaAt is zero until the first fragment arrives.
	FirstDeltaAt time.Time

	// UpdatedAt is when the last fragment arrived.
	UpdatedAt time.Time
}

// NewProvisional starts an empty accumulator with a fresh local id.
func NewProvisional(startedAt time.Time) Provisional {
	return Provisional{
		ID:        datatypes.NewLocalID(),
		StartedAt: startedAt,
		UpdatedAt: startedAt,
	}
}

// Append returns a copy with delta added.
func (p Provisional) Append(delta string, at time.Time) Provisional {
	p.Content += delta
	p.Deltas++
	if p.FirstDeltaAt.IsZero() {
		p.FirstDeltaAt = at
	}
	p.UpdatedAt = at
	return p
}

// IsEmpty reports whether no text has been received.
func (p Provisional) IsEmpty() bool {
	return p.Content == ""
}

// TimeToFirstDelta returns zero if no delta has arrived.
func (p Provisional) TimeToFirstDelta() time.Duration {
	if p.FirstDeltaAt.IsZero() {
		return 0
	}
	return p.FirstDeltaAt.Sub(p.StartedAt)
}

// Message renders the accumulator as an assistant message.
func (p Provisional) Message() datatypes.Message {
	return datatypes.Message{
		ID:           p.ID,
		Content:      p.Content,
		Sender:       datatypes.SenderAssistant,
		Timestamp:    p.StartedAt,
		ResponseTime: p.UpdatedAt.Sub(p.StartedAt),
	}
}
