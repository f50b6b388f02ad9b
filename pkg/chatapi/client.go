// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatapi is the HTTP client for the remote chat and history API.
//
// It covers the streaming endpoint (returning the raw event-stream body for
// pkg/sse to decode), the non-streaming chat endpoint, conversation listing,
// paginated history, deletion, and the health probe.
//
// Every non-2xx response becomes an *APIError whose message is the JSON
// "error" field of the body when present, or "HTTP error: {status}".
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCare/pkg/logging"
)

const (
	// DefaultTimeout bounds non-streaming calls.
	DefaultTimeout = 30 * time.Second

	// DefaultStreamTimeout bounds a whole streamed reply.
	DefaultStreamTimeout = 5 * time.Minute

	// HeaderRequestID carries the per-request correlation id.
	HeaderRequestID = "X-Request-ID"

	maxErrorBodyBytes = 64 * 1024
)

// =============================================================================
// HTTP Client Interface
// =============================================================================

// HTTPClient is the transport used by Client. *http.Client satisfies it;
// tests substitute canned responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Client.
type Config struct {
	// BaseURL is the API origin, e.g. "http://localhost:8080". Required.
	BaseURL string

	// Timeout bounds each non-streaming call. Default: DefaultTimeout.
	Timeout time.Duration

	// StreamTimeout bounds a streamed reply from request to last byte.
	// Default: DefaultStreamTimeout.
	StreamTimeout time.Duration

	// Token is sent as a bearer token when non-empty. It is moved into
	// guarded memory and the source bytes are wiped.
	Token string

	// RequestsPerSecond enables a client-side rate limit when > 0.
	RequestsPerSecond float64

	// Burst is the limiter burst. Default: 1 when rate limiting is enabled.
	Burst int

	// Logger receives request-level logs. Default: discard.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = DefaultStreamTimeout
	}
	if c.RequestsPerSecond > 0 && c.Burst < 1 {
		c.Burst = 1
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// =============================================================================
// Client
// =============================================================================

// Client talks to the chat API. Safe for concurrent use.
type Client struct {
	base    *url.URL
	http    HTTPClient
	config  Config
	token   *memguard.Enclave
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client backed by a fresh *http.Client.
//
// The *http.Client has no overall timeout; per-call deadlines come from
// Config.Timeout and Config.StreamTimeout so that long streams are not cut.
func New(cfg Config) (*Client, error) {
	return NewWithClient(&http.Client{}, cfg)
}

// NewWithClient creates a Client with an injected transport.
//
// # Outputs
//
//   - *Client: ready for use.
//   - error: BaseURL is empty or not an absolute http(s) URL.
func NewWithClient(client HTTPClient, cfg Config) (*Client, error) {
	if client == nil {
		return nil, errors.New("chatapi: nil HTTP client")
	}
	cfg.applyDefaults()

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("chatapi: parse base URL: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("chatapi: base URL must be absolute http(s), got %q", cfg.BaseURL)
	}

	c := &Client{
		base:   base,
		http:   client,
		config: cfg,
		logger: cfg.Logger,
	}
	if cfg.Token != "" {
		c.token = memguard.NewEnclave([]byte(cfg.Token))
	}
	c.config.Token = ""
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return c, nil
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// HasToken reports whether a bearer token is configured.
func (c *Client) HasToken() bool {
	return c.token != nil
}

// =============================================================================
// Request plumbing
// =============================================================================

// endpoint joins the base URL with an already escaped path and optional
// query.
func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + path
	if unescaped, err := url.PathUnescape(u.RawPath); err == nil {
		u.Path = unescaped
	} else {
		u.Path = u.RawPath
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())

	if c.token != nil {
		buf, err := c.token.Open()
		if err != nil {
			return nil, fmt.Errorf("open token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+string(buf.Bytes()))
		buf.Destroy()
	}
	return req, nil
}

// send applies the rate limit, performs the request, and logs the outcome.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	logger := c.logger.With(
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", req.Header.Get(HeaderRequestID),
	)
	if err != nil {
		logger.Warn("api request failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	logger.Debug("api request", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// doJSON performs a non-streaming call and decodes a JSON body into out.
// out may be nil when the body is not needed. Returns the status code so
// callers can special-case 204.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return resp.StatusCode, decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// cancelOnClose releases the stream deadline when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
