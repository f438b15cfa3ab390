// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the chat service's HTTP surface: the SSE
// streaming endpoint, conversation reset, and health.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nestwiki/nestwiki/services/chat/datatypes"
	"github.com/nestwiki/nestwiki/services/chat/middleware"
	"github.com/nestwiki/nestwiki/services/chat/observability"
	"github.com/nestwiki/nestwiki/services/chat/services"
)

var handlerTracer = otel.Tracer("nestwiki.chat.handlers")

// heartbeatInterval is how often keepalive comments go out during a
// stream. Must stay under common load balancer idle timeouts (60s).
const heartbeatInterval = 15 * time.Second

// ChatHandler serves the streaming chat endpoints.
type ChatHandler struct {
	service *services.ChatTurnService
	metrics *observability.StreamingMetrics
}

// NewChatHandler creates a handler over the given turn service.
// metrics may be nil in tests.
func NewChatHandler(service *services.ChatTurnService, metrics *observability.StreamingMetrics) *ChatHandler {
	return &ChatHandler{service: service, metrics: metrics}
}

// HandleChatMessage handles POST /share/v1/chat/message.
//
// # Description
//
//	Step 1: Validate the request body and knowledge base scope.
//	Step 2: Reserve a streaming worker slot (503 when saturated).
//	Step 3: Switch the response to SSE and start the heartbeat.
//	Step 4: Run the turn, forwarding events to the client.
//	Step 5: Record metrics from the terminal state.
//
// # Outputs
//
//	200 with an SSE event stream. Validation failures open the stream
//	too and end it with a single error event, so clients consume one
//	protocol either way. 503 when the worker pool is saturated, before
//	any stream is opened.
func (h *ChatHandler) HandleChatMessage(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "ChatHandler.HandleChatMessage")
	defer span.End()

	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.recordError(observability.ErrorCodeValidation)
		h.rejectWithStreamError(c, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		h.recordError(observability.ErrorCodeValidation)
		h.rejectWithStreamError(c, sanitizeErrorForClient(err))
		return
	}

	kbID := middleware.KBIDFromContext(c)
	if kbID == "" {
		h.recordError(observability.ErrorCodeValidation)
		h.rejectWithStreamError(c, "X-KB-ID header is required")
		return
	}
	span.SetAttributes(attribute.String("kb.id", kbID))

	// Reserve capacity before committing to SSE so saturation is a
	// clean 503 instead of a broken stream.
	release, err := h.service.AcquireSlot()
	if err != nil {
		h.recordError(observability.ErrorCodeBusy)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is at capacity, try again shortly"})
		return
	}
	defer release()

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	if h.metrics != nil {
		h.metrics.StreamStarted(observability.EndpointChatStream)
		defer h.metrics.StreamEnded(observability.EndpointChatStream)
	}

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(writer, heartbeatDone)

	start := time.Now()
	sink := &firstTokenSink{EventSink: writer, metrics: h.metrics, start: start}

	result := h.service.Run(ctx, services.TurnRequest{
		ConversationID: req.ConversationID,
		Nonce:          req.Nonce,
		KBID:           kbID,
		Message:        req.Message,
		AppType:        req.AppType,
		RemoteAddr:     c.ClientIP(),
	}, sink)

	h.recordTurnOutcome(result, time.Since(start))
}

// rejectWithStreamError opens the SSE stream and ends it immediately
// with a terminal error event.
func (h *ChatHandler) rejectWithStreamError(c *gin.Context, message string) {
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	if err := writer.WriteError(message); err != nil {
		slog.Debug("rejection event write failed", "error", err)
	}
}

// HandleChatReset handles POST /share/v1/chat/reset.
//
// Clears the stored history for a conversation and drops its resident
// session. The next message starts the conversation fresh.
func (h *ChatHandler) HandleChatReset(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "ChatHandler.HandleChatReset")
	defer span.End()

	var req struct {
		ConversationID string `json:"conversation_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}
	span.SetAttributes(attribute.String("conversation.id", req.ConversationID))

	kbID := middleware.KBIDFromContext(c)
	assistant, err := h.service.Registry().GetOrCreate(req.ConversationID, kbID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeErrorForClient(err)})
		return
	}
	if err := assistant.Reset(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeErrorForClient(err)})
		return
	}
	h.service.Registry().Drop(req.ConversationID, kbID)

	c.JSON(http.StatusOK, gin.H{"status": "reset", "conversation_id": req.ConversationID})
}

// HandleHealthCheck handles GET /health.
func HandleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// runHeartbeat sends keepalive comments until the stream ends.
func (h *ChatHandler) runHeartbeat(writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				// Connection is gone; the turn will notice via its
				// own context.
				return
			}
			if h.metrics != nil {
				h.metrics.RecordKeepAlive(observability.EndpointChatStream)
			}
		}
	}
}

// recordTurnOutcome maps a terminal turn state onto metrics.
func (h *ChatHandler) recordTurnOutcome(result services.TurnResult, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	success := result.State == services.TurnCompleted
	h.metrics.RecordRequest(observability.EndpointChatStream, success)
	h.metrics.RecordStreamDuration(observability.EndpointChatStream, elapsed.Seconds(), success)
	if result.TokenCount > 0 {
		h.metrics.RecordOutputTokens(result.TokenCount, result.Model)
	}

	switch result.State {
	case services.TurnCompleted:
	case services.TurnTimedOut:
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeTimeout)
	case services.TurnCancelled:
		h.metrics.RecordClientDisconnect(observability.EndpointChatStream)
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeClientDisconnect)
	default:
		h.metrics.RecordError(observability.EndpointChatStream, classifyError(result.Err))
	}
}

func classifyError(err error) observability.ErrorCode {
	var rerr *services.RetrievalError
	switch {
	case err == nil:
		return observability.ErrorCodeInternal
	case errors.As(err, &rerr):
		return observability.ErrorCodeRetrieval
	case errors.Is(err, context.DeadlineExceeded):
		return observability.ErrorCodeTimeout
	default:
		return observability.ErrorCodeLLMError
	}
}

func (h *ChatHandler) recordError(code observability.ErrorCode) {
	if h.metrics != nil {
		h.metrics.RecordError(observability.EndpointChatStream, code)
	}
}

// firstTokenSink wraps an EventSink to record time-to-first-token.
type firstTokenSink struct {
	services.EventSink
	metrics  *observability.StreamingMetrics
	start    time.Time
	recorded bool
}

func (s *firstTokenSink) WriteData(token string) error {
	if !s.recorded {
		s.recorded = true
		if s.metrics != nil {
			s.metrics.RecordTimeToFirstToken(observability.EndpointChatStream, time.Since(s.start).Seconds())
		}
	}
	return s.EventSink.WriteData(token)
}

// sanitizeErrorForClient strips internal detail from errors before
// they reach a client. Validation errors pass through; everything else
// collapses to a generic message.
func sanitizeErrorForClient(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "validation"):
		return "request validation failed"
	case strings.Contains(msg, "required"):
		return "a required field is missing"
	default:
		return "an internal error occurred"
	}
}
