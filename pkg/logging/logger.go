// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the AleutianCare chat client
// and its development mock server.
//
// Logs go to stderr by default so they never interleave with a streamed
// assistant reply on stdout. File logging and an in-process entry sink are
// optional:
//
//	┌──────────────────────────────────────────────┐
//	│                    Logger                    │
//	│  ┌──────────┐  ┌────────────┐  ┌──────────┐  │
//	│  │  stderr  │  │  log file  │  │   Sink   │  │
//	│  │ (default)│  │ (optional) │  │(optional)│  │
//	│  └──────────┘  └────────────┘  └──────────┘  │
//	└──────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "carechat"})
//	defer logger.Close()
//	logger.Info("stream opened", "conversation_id", id)
//
// Components below the CLI take a *slog.Logger; pass logger.Slog().
//
// # Runtime Level Changes
//
// The minimum level lives in a slog.LevelVar, so SetLevel takes effect for
// every logger derived from the same root, including children created with With.
//
// # Security Considerations
//
// Message text typed by a patient is health information. Never log it; log
// its length instead:
//
//	// BAD
//	logger.Info("sending", "message", text)
//
//	// GOOD
//	logger.Info("sending", "message_len", len(text))
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity. Debug < Info < Warn < Error. The zero
// value is LevelInfo.
type Level int

const (
	// LevelDebug is for tracing individual frames and page merges.
	LevelDebug Level = iota - 1

	// LevelInfo is for request start/end and conversation changes.
	LevelInfo

	// LevelWarn is for skipped malformed frames and late corrections.
	LevelWarn

	// LevelError is for failed requests.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// ParseLevel converts a configuration string to a Level.
//
// Matching is case-insensitive and accepts "warning" as an alias for "warn".
// An empty string maps to LevelInfo.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger. A zero value writes Info+ text to stderr.
type Config struct {
	// Level sets the initial minimum level. Default: LevelInfo.
	Level Level

	// LogDir enables an additional JSON log file "{Service}_{YYYY-MM-DD}.log".
	// Supports ~ expansion. The directory is created with 0750 permissions.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches the stderr handler to JSON. File logs are always JSON.
	JSON bool

	// Quiet disables the stderr handler.
	Quiet bool

	// Output replaces stderr as the console destination. Used by tests.
	Output io.Writer

	// Sink receives every record that passes the level filter, synchronously.
	Sink Sink
}

// =============================================================================
// Sink
// =============================================================================

// Sink receives log entries in-process.
//
// Record is called on the logging goroutine and must not block.
type Sink interface {
	Record(entry Entry)
}

// Entry is a flattened log record delivered to a Sink.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with multi-destination output, a shared dynamic
// level, and Close for file cleanup. Safe for concurrent use.
type Logger struct {
	slog   *slog.Logger
	config Config
	level  *slog.LevelVar

	// shared with children created by With
	state *loggerState
}

type loggerState struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// New creates a Logger from config. Call Close when done if LogDir is set.
//
// A LogDir that cannot be created or opened is not fatal; the logger falls
// back to console output only.
func New(config Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(config.Level.toSlogLevel())
	opts := &slog.HandlerOptions{Level: level}

	state := &loggerState{}
	var handlers []slog.Handler

	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	if config.LogDir != "" {
		if file, err := openLogFile(config.LogDir, config.Service); err == nil {
			state.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	if config.Sink != nil {
		handlers = append(handlers, &sinkHandler{sink: config.Sink, level: level, service: config.Service})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	return &Logger{
		slog:   slog.New(handler),
		config: config,
		level:  level,
		state:  state,
	}
}

// Default returns an Info-level stderr logger for the "carechat" service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "carechat"})
}

// Nop returns a logger that discards everything. Used as the fallback when a
// component is constructed without a logger.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger carrying extra attributes. The child shares
// the parent's level and file handle.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		level:  l.level,
		state:  l.state,
	}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	return fromSlogLevel(l.level.Level())
}

// SetLevel changes the minimum level for this logger and every logger
// sharing its root.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.toSlogLevel())
}

// Close syncs and closes the log file, if any. Safe to call more than once.
func (l *Logger) Close() error {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()

	if l.state.closed || l.state.file == nil {
		l.state.closed = true
		return nil
	}
	l.state.closed = true

	if err := l.state.file.Sync(); err != nil {
		_ = l.state.file.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	if err := l.state.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	if service == "" {
		service = "carechat"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// =============================================================================
// Handlers (Internal)
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// sinkHandler flattens records into Entry values for a Sink.
// Groups are flattened with a "group." key prefix.
type sinkHandler struct {
	sink    Sink
	level   *slog.LevelVar
	service string
	attrs   []slog.Attr
	prefix  string
}

func (h *sinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.prefix+a.Key] = a.Value.Any()
		return true
	})
	h.sink.Record(Entry{
		Timestamp: r.Time,
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	})
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Built-in Sinks
// =============================================================================

// BufferedSink collects entries in memory for assertions in tests.
//
//	sink := logging.NewBufferedSink()
//	logger := logging.New(logging.Config{Quiet: true, Sink: sink})
//	logger.Warn("skipping malformed init frame")
//	assert.Equal(t, "skipping malformed init frame", sink.Entries()[0].Message)
type BufferedSink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewBufferedSink creates an empty BufferedSink.
func NewBufferedSink() *BufferedSink {
	return &BufferedSink{entries: make([]Entry, 0, 32)}
}

// Record appends the entry.
func (s *BufferedSink) Record(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

// Entries returns a copy of the collected entries.
func (s *BufferedSink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Messages returns just the message strings, in order.
func (s *BufferedSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message
	}
	return out
}

var _ Sink = (*BufferedSink)(nil)
