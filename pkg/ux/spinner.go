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
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner provides an animated loading indicator on ErrOut
type Spinner struct {
	message  string
	w        io.Writer
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSpinner creates a new spinner with the given message
func NewSpinner(message string) *Spinner {
	return &Spinner{
		message:  message,
		w:        ErrOut,
		interval: 80 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithWriter sets the output writer
func (s *Spinner) WithWriter(w io.Writer) *Spinner {
	s.w = w
	return s
}

// Start begins the spinner animation. A stopped spinner cannot restart.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	// In machine mode, just print the message once
	if GetPersonality() == PersonalityMachine {
		fmt.Fprintf(s.w, "PROGRESS: %s\n", s.currentMessage())
		close(s.done)
		return
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		frame := 0
		for {
			select {
			case <-s.stop:
				fmt.Fprint(s.w, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(s.w, "\r%s %s", Styles.Highlight.Render(spinnerFrames[frame]), s.currentMessage())
				frame = (frame + 1) % len(spinnerFrames)
			}
		}
	}()
}

// Stop halts the spinner and clears its line. Safe to call more than once.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// UpdateMessage changes the spinner message while running
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

func (s *Spinner) currentMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// WithSpinner runs fn with a spinner, then prints success or the error
func WithSpinner(message string, fn func() error) error {
	spin := NewSpinner(message)
	spin.Start()
	err := fn()
	spin.Stop()
	if err != nil {
		Error(fmt.Sprintf("%s: %v", message, err))
		return err
	}
	Success(message)
	return nil
}
