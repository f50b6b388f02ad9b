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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
	"github.com/AleutianAI/AleutianCare/pkg/logging"
)

const (
	defaultInitialSize = 15
	defaultPageSize    = 20
	maxPageSize        = 200

	// HealthBody is the plain-text health probe response.
	HealthBody = "UP"
)

// Options configures a Server.
type Options struct {
	// Store defaults to an empty NewStore().
	Store *Store

	// Replier defaults to TriageReplier.
	Replier Replier

	// DeltaInterval paces deltas to mimic token streaming. Zero sends them
	// back to back.
	DeltaInterval time.Duration

	// KeepAlive sends ": ping" comments at this interval while a reply is
	// streaming. Zero disables them.
	KeepAlive time.Duration

	// Registerer receives the server's collectors. Default: a private
	// registry.
	Registerer prometheus.Registerer

	// MetricsHandler is mounted on GET /metrics when set.
	MetricsHandler http.Handler

	// ServiceName names the otelgin spans. Default: "carechat-mock".
	ServiceName string

	Logger *slog.Logger
}

// Server implements the chat and history endpoints.
type Server struct {
	store    *Store
	replier  Replier
	interval time.Duration
	ping     time.Duration
	metrics  *serverMetrics
	logger   *slog.Logger
	now      func() time.Time
}

type serverMetrics struct {
	requests *prometheus.CounterVec
	streams  *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carechat_mock",
			Name:      "requests_total",
			Help:      "Requests by route and status",
		}, []string{"route", "status"}),
		streams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carechat_mock",
			Name:      "streams_total",
			Help:      "Streamed replies by outcome",
		}, []string{"outcome"}),
	}
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.Replier == nil {
		opts.Replier = TriageReplier{}
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Server{
		store:    opts.Store,
		replier:  opts.Replier,
		interval: opts.DeltaInterval,
		ping:     opts.KeepAlive,
		metrics:  newServerMetrics(opts.Registerer),
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// Store returns the backing store.
func (s *Server) Store() *Store {
	return s.store
}

// NewRouter builds the gin engine for srv.
func NewRouter(srv *Server, opts Options) *gin.Engine {
	name := opts.ServiceName
	if name == "" {
		name = "carechat-mock"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(name))
	router.Use(srv.countRequests)

	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	api := router.Group("/api/chat")
	{
		api.GET("/health", srv.health)
		api.POST("", srv.chat)
		api.POST("/stream", srv.stream)
		api.DELETE("/:conversationId", srv.deleteConversation)

		convs := api.Group("/conversations")
		{
			convs.GET("/patient/:patientId", srv.listConversations)
			convs.GET("/patient/:patientId/active", srv.activeConversation)
			convs.GET("/:conversationId/messages", srv.messages)
			convs.GET("/:conversationId/messages/initial", srv.initialMessages)
		}
	}
	return router
}

func (s *Server) countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	s.metrics.requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, HealthBody)
}

func (s *Server) chat(c *gin.Context) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := s.resolve(req.PatientID, req.ConversationID)
	if err != nil {
		abortError(c, http.StatusNotFound, err.Error())
		return
	}
	id := conv.ExternalConversationID
	start := s.now()
	if _, err := s.store.Append(id, datatypes.SenderUser, req.Message, 0); err != nil {
		abortError(c, http.StatusNotFound, err.Error())
		return
	}

	reply, err := s.replier.Reply(c.Request.Context(), id, req.Message)
	if err != nil {
		abortError(c, http.StatusBadGateway, err.Error())
		return
	}
	_, _ = s.store.Append(id, datatypes.SenderAssistant, reply, s.now().Sub(start))

	c.JSON(http.StatusOK, datatypes.ChatResponse{
		Response:       reply,
		ConversationID: id,
		TokensUsed:     len(strings.Fields(reply)),
	})
}

func (s *Server) stream(c *gin.Context) {
	var req datatypes.StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := s.resolve(req.PatientID, req.ConversationID)
	if err != nil {
		abortError(c, http.StatusNotFound, err.Error())
		return
	}
	id := conv.ExternalConversationID
	logger := s.logger.With("conversation_id", id)
	start := s.now()
	if _, err := s.store.Append(id, datatypes.SenderUser, req.Message, 0); err != nil {
		abortError(c, http.StatusNotFound, err.Error())
		return
	}

	SetSSEHeaders(c.Writer)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	if s.ping > 0 {
		stop := make(chan struct{})
		var wg sync.WaitGroup
		defer func() {
			close(stop)
			wg.Wait()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(s.ping)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = w.WriteKeepAlive()
				}
			}
		}()
	}

	if err := w.WriteInit(id); err != nil {
		s.metrics.streams.WithLabelValues("disconnected").Inc()
		return
	}

	reply, err := s.replier.Reply(ctx, id, req.Message)
	if err != nil {
		logger.Warn("reply failed", "error", err)
		_ = w.WriteError(err.Error())
		s.metrics.streams.WithLabelValues("error").Inc()
		return
	}

	for _, part := range chunk(reply) {
		if s.interval > 0 {
			select {
			case <-ctx.Done():
				logger.Info("client disconnected mid-stream")
				s.metrics.streams.WithLabelValues("disconnected").Inc()
				return
			case <-time.After(s.interval):
			}
		}
		if err := w.WriteDelta(part); err != nil {
			s.metrics.streams.WithLabelValues("disconnected").Inc()
			return
		}
	}

	_, _ = s.store.Append(id, datatypes.SenderAssistant, reply, s.now().Sub(start))
	_ = w.WriteComplete()
	s.metrics.streams.WithLabelValues("completed").Inc()
	logger.Debug("stream completed", "reply_len", len(reply))
}

func (s *Server) listConversations(c *gin.Context) {
	patientID, ok := patientParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.store.List(patientID))
}

func (s *Server) activeConversation(c *gin.Context) {
	patientID, ok := patientParam(c)
	if !ok {
		return
	}
	conv, found := s.store.Active(patientID)
	if !found {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) messages(c *gin.Context) {
	page, err := intQuery(c, "page", 0)
	if err != nil || page < 0 {
		abortError(c, http.StatusBadRequest, "invalid page")
		return
	}
	s.writePage(c, page, defaultPageSize)
}

func (s *Server) initialMessages(c *gin.Context) {
	s.writePage(c, 0, defaultInitialSize)
}

func (s *Server) writePage(c *gin.Context, page, fallbackSize int) {
	size, err := intQuery(c, "size", fallbackSize)
	if err != nil || size < 1 || size > maxPageSize {
		abortError(c, http.StatusBadRequest, "invalid size")
		return
	}
	out, err := s.store.Page(c.Param("conversationId"), page, size)
	if err != nil {
		abortError(c, http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.store.Delete(c.Param("conversationId")); err != nil {
		abortError(c, http.StatusNotFound, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// resolve returns the named conversation, or a new one when id is empty.
func (s *Server) resolve(patientID int64, id string) (datatypes.Conversation, error) {
	if id == "" {
		return s.store.Create(patientID), nil
	}
	return s.store.Get(id)
}

// =============================================================================
// Helpers
// =============================================================================

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, datatypes.ErrorBody{Error: msg})
}

func patientParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("patientId"), 10, 64)
	if err != nil || id <= 0 {
		abortError(c, http.StatusBadRequest, "invalid patient id")
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
