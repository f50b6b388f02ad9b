// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session drives one streamed assistant reply at a time.
//
// A Controller issues the stream request, decodes the event stream with
// pkg/sse, and reports progress through Handlers:
//
//	OnInit(conversationID)      server assigned or confirmed the conversation
//	OnDelta(delta, provisional) a text fragment arrived
//	OnError(message)            the reply failed; fires at most once
//	OnComplete(result)          the request is over; fires exactly once
//
// Callbacks run on the goroutine that called Send, in stream order.
// Failures never escape as errors from Send once the request has started:
// they arrive as OnError followed by OnComplete. Send only returns an
// error when it refuses to start (invalid request, or another reply is
// still streaming), and in that case no callback runs and no request is
// made.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCare/pkg/chatapi"
	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/pkg/sse"
	"github.com/AleutianAI/AleutianCare/pkg/telemetry"
)

const tracerName = "github.com/AleutianAI/AleutianCare/pkg/session"

// ErrStreamInFlight is returned by Send while another reply is streaming.
var ErrStreamInFlight = errors.New("a reply is already streaming")

// ErrPatientRequired is returned by Send when the request has no patient.
var ErrPatientRequired = datatypes.ErrPatientRequired

// =============================================================================
// Types
// =============================================================================

// StreamOpener starts a streamed reply. *chatapi.Client implements it.
type StreamOpener interface {
	OpenStream(ctx context.Context, req datatypes.StreamRequest) (io.ReadCloser, error)
}

// Request is one patient message to send.
type Request struct {
	Message string

	// PatientID must be > 0.
	PatientID int64

	// ConversationID continues an existing conversation. Empty starts a
	// new one; the server then assigns an id through OnInit.
	ConversationID string
}

// Handlers receives stream progress. Nil fields are skipped.
type Handlers struct {
	OnInit     func(conversationID string)
	OnDelta    func(delta string, provisional Provisional)
	OnError    func(message string)
	OnComplete func(result Result)
}

// Outcome classifies how a request ended.
type Outcome int

const (
	// OutcomeCompleted means the stream ended normally.
	OutcomeCompleted Outcome = iota

	// OutcomeFailed means a connection, status, read, or server-reported
	// error ended the stream. OnError was called.
	OutcomeFailed

	// OutcomeAborted means Abort or the caller's context ended the stream.
	// OnError is not called for aborts.
	OutcomeAborted
)

// String returns "completed", "failed", "aborted", or "unknown".
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result is delivered to OnComplete and returned from Send.
type Result struct {
	RequestID string

	// ConversationID is the last id seen in an init event, or the
	// request's id if none arrived.
	ConversationID string

	// Provisional is the final accumulator. It may hold partial text even
	// when the outcome is failed or aborted.
	Provisional Provisional

	Outcome Outcome

	// Err is the cause for failed and aborted outcomes.
	Err error

	// ErrorMessage is the text passed to OnError.
	ErrorMessage string

	Duration time.Duration
}

// Content returns the accumulated assistant text.
func (r Result) Content() string {
	return r.Provisional.Content
}

// StreamError is a failure the server reported inside the stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Controller.
type Config struct {
	// Opener issues the stream request. Required.
	Opener StreamOpener

	// Reader decodes the stream. Default: sse.NewReader(Logger).
	Reader sse.StreamReader

	// Logger defaults to discard.
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *Metrics

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// =============================================================================
// Controller
// =============================================================================

// Controller runs at most one streamed reply at a time. Safe for
// concurrent use: IsLoading and Abort may be called from any goroutine
// while Send blocks on another.
type Controller struct {
	opener  StreamOpener
	reader  sse.StreamReader
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu     sync.Mutex
	active *inflight
}

// inflight is the state of the outstanding request.
type inflight struct {
	requestID    string
	cancel       context.CancelFunc
	aborted      atomic.Bool
	completeOnce sync.Once
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Opener == nil {
		return nil, errors.New("session: nil stream opener")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Reader == nil {
		cfg.Reader = sse.NewReader(cfg.Logger)
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Controller{
		opener:  cfg.Opener,
		reader:  cfg.Reader,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.TracerProvider.Tracer(tracerName),
		now:     cfg.Clock,
	}, nil
}

// IsLoading reports whether a reply is streaming.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Abort cancels the outstanding reply, if any. The blocked Send still
// delivers OnComplete with OutcomeAborted. Returns false when idle.
func (c *Controller) Abort() bool {
	c.mu.Lock()
	run := c.active
	c.mu.Unlock()
	if run == nil {
		return false
	}
	run.aborted.Store(true)
	run.cancel()
	c.logger.Info("stream aborted", "request_id", run.requestID)
	return true
}

// Send streams one reply and blocks until it is over.
//
// # Description
//
// Validates req, then issues exactly one stream request. Events are
// delivered through h in stream order. The first completion signal ends
// the read; a stream that ends without one is completed by the decoder's
// end-of-stream flush. OnComplete fires exactly once per started request,
// after OnError when the request failed.
//
// # Outputs
//
//   - Result: same value passed to OnComplete.
//   - error: ErrPatientRequired, datatypes.ErrEmptyMessage, another
//     validation error, or ErrStreamInFlight. Non-nil only when nothing
//     was started.
//
// # Limitations
//
//   - No retry. A failed request is reported and left to the caller.
func (c *Controller) Send(ctx context.Context, req Request, h Handlers) (Result, error) {
	wire := datatypes.StreamRequest{
		Message:        req.Message,
		PatientID:      req.PatientID,
		ConversationID: req.ConversationID,
	}
	if err := wire.Validate(); err != nil {
		c.metrics.rejected("validation")
		c.logger.Warn("chat send rejected", "error", err)
		return Result{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &inflight{requestID: uuid.NewString(), cancel: cancel}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		cancel()
		c.metrics.rejected("in_flight")
		return Result{}, ErrStreamInFlight
	}
	c.active = run
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		cancel()
	}()

	return c.stream(runCtx, run, wire, h), nil
}

func (c *Controller) stream(ctx context.Context, run *inflight, req datatypes.StreamRequest, h Handlers) Result {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "session.Send", trace.WithAttributes(
		attribute.String("request.id", run.requestID),
		attribute.Bool("conversation.new", req.ConversationID == ""),
		attribute.Int("message.length", len(req.Message)),
	))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, c.logger).With("request_id", run.requestID)

	c.metrics.started()
	logger.Info("stream starting",
		"conversation_id", req.ConversationID,
		"message_len", len(req.Message),
	)

	result := Result{
		RequestID:      run.requestID,
		ConversationID: req.ConversationID,
		Provisional:    NewProvisional(start),
	}

	var streamErr error
	body, err := c.opener.OpenStream(ctx, req)
	if err != nil {
		streamErr = err
	} else {
		// Closing the body unblocks a pending read when ctx ends.
		stop := context.AfterFunc(ctx, func() { _ = body.Close() })
		streamErr = c.consume(ctx, body, &result, h, logger)
		stop()
		_ = body.Close()
	}

	switch {
	case streamErr != nil && ctx.Err() != nil:
		result.Outcome = OutcomeAborted
		result.Err = ctx.Err()
		logger.Info("stream cancelled", "explicit_abort", run.aborted.Load())
	case streamErr != nil:
		result.Outcome = OutcomeFailed
		result.Err = streamErr
		result.ErrorMessage = errorText(streamErr)
		logger.Error("stream failed", "error", streamErr, "deltas", result.Provisional.Deltas)
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, result.ErrorMessage)
		if h.OnError != nil {
			h.OnError(result.ErrorMessage)
		}
	default:
		result.Outcome = OutcomeCompleted
	}
	result.Duration = c.now().Sub(start)
	c.metrics.finished(result.Outcome, result.Duration.Seconds())
	span.SetAttributes(
		attribute.String("stream.outcome", result.Outcome.String()),
		attribute.Int("stream.deltas", result.Provisional.Deltas),
		attribute.Bool("stream.conversation_assigned", result.ConversationID != ""),
	)
	logger.Info("stream finished",
		"outcome", result.Outcome.String(),
		"conversation_id", result.ConversationID,
		"deltas", result.Provisional.Deltas,
		"content_len", len(result.Provisional.Content),
		"duration_ms", result.Duration.Milliseconds(),
	)

	run.completeOnce.Do(func() {
		if h.OnComplete != nil {
			h.OnComplete(result)
		}
	})
	return result
}

// consume reads events until the first terminal event or end of stream.
// A server-reported error is returned as *StreamError.
func (c *Controller) consume(ctx context.Context, body io.Reader, result *Result, h Handlers, logger *slog.Logger) error {
	var reported error

	err := c.reader.Read(ctx, body, func(ev sse.Event) error {
		switch ev.Type {
		case sse.EventInit:
			if result.Provisional.Deltas > 0 {
				logger.Warn("conversation id arrived after text",
					"conversation_id", ev.ConversationID,
					"deltas", result.Provisional.Deltas,
				)
			}
			result.ConversationID = ev.ConversationID
			if h.OnInit != nil {
				h.OnInit(ev.ConversationID)
			}

		case sse.EventDelta:
			first := result.Provisional.Deltas == 0
			at := c.now()
			result.Provisional = result.Provisional.Append(ev.Text, at)
			c.metrics.delta(first, at.Sub(result.Provisional.StartedAt).Seconds())
			if h.OnDelta != nil {
				h.OnDelta(ev.Text, result.Provisional)
			}

		case sse.EventError:
			reported = &StreamError{Message: ev.Message}
			return sse.ErrStop

		case sse.EventComplete:
			return sse.ErrStop
		}
		return nil
	})
	if err != nil {
		return err
	}
	return reported
}

// errorText picks the message shown for a failure.
func errorText(err error) string {
	var apiErr *chatapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Message
	}
	return err.Error()
}
