// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services orchestrates streaming chat turns: retrieval,
// model streaming, event emission, and persistence.
package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nestwiki/nestwiki/services/chat/retrieval"
	"github.com/nestwiki/nestwiki/services/chat/session"
)

var turnTracer = otel.Tracer("nestwiki.chat.turn")

const (
	// defaultTurnTimeout bounds one complete streaming turn.
	defaultTurnTimeout = 30 * time.Minute

	// defaultRetrievalTimeout bounds the retrieval phase. Retrieval
	// overruns degrade the turn rather than failing it.
	defaultRetrievalTimeout = 20 * time.Second

	// defaultMaxConcurrentStreams bounds the worker pool.
	defaultMaxConcurrentStreams = 100

	// persistTimeout bounds the post-stream persistence write, which
	// runs on a detached context so client disconnects cannot abort it.
	persistTimeout = 30 * time.Second
)

// EventSink receives the ordered event stream for one chat turn.
//
// Implementations translate events onto a transport (SSE in
// production, capture buffers in tests). WriteError and WriteDone are
// terminal; the turn service guarantees at most one of them per turn.
type EventSink interface {
	WriteConversationID(conversationID string) error
	WriteNonce(nonce string) error
	WriteChunkResult(chunk retrieval.Chunk) error
	WriteData(token string) error
	WriteError(message string) error
	WriteDone() error
}

// TurnRequest carries one user turn into the service.
type TurnRequest struct {
	ConversationID string
	Nonce          string
	KBID           string
	Message        string
	AppType        string
	RemoteAddr     string
}

// TurnResult reports how a turn ended.
type TurnResult struct {
	ConversationID string
	State          TurnState
	Answer         string
	TokenCount     int
	Model          string
	Err            error
}

// ChatTurnService runs streaming chat turns against a session registry.
//
// # Description
//
// One Run call is one turn: resolve the session, announce IDs,
// retrieve scoped context, stream the model answer as data events,
// then finish with exactly one terminal event and persist the turn.
// Failures after streaming began discard the partial answer; nothing
// of a failed turn reaches the store.
//
// # Thread Safety
//
// Safe for concurrent use. Each Run gets its own lifecycle; the
// semaphore bounds how many run at once.
type ChatTurnService struct {
	registry         *session.Registry
	workers          *semaphore.Weighted
	turnTimeout      time.Duration
	retrievalTimeout time.Duration
}

// TurnOption customizes a ChatTurnService.
type TurnOption func(*ChatTurnService)

// WithTurnTimeout overrides the per-turn deadline.
func WithTurnTimeout(d time.Duration) TurnOption {
	return func(s *ChatTurnService) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

// WithRetrievalTimeout overrides the retrieval phase deadline.
func WithRetrievalTimeout(d time.Duration) TurnOption {
	return func(s *ChatTurnService) {
		if d > 0 {
			s.retrievalTimeout = d
		}
	}
}

// WithMaxConcurrentStreams overrides the worker pool size.
func WithMaxConcurrentStreams(n int64) TurnOption {
	return func(s *ChatTurnService) {
		if n > 0 {
			s.workers = semaphore.NewWeighted(n)
		}
	}
}

// NewChatTurnService creates a turn service over the given registry.
func NewChatTurnService(registry *session.Registry, opts ...TurnOption) (*ChatTurnService, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	s := &ChatTurnService{
		registry:         registry,
		workers:          semaphore.NewWeighted(defaultMaxConcurrentStreams),
		turnTimeout:      defaultTurnTimeout,
		retrievalTimeout: defaultRetrievalTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AcquireSlot reserves a streaming worker slot.
//
// Returns ErrStreamBusy immediately when the pool is saturated, so the
// handler can reject before committing to SSE. Pair every successful
// acquire with the returned release func.
func (s *ChatTurnService) AcquireSlot() (release func(), err error) {
	if !s.workers.TryAcquire(1) {
		return nil, ErrStreamBusy
	}
	return func() { s.workers.Release(1) }, nil
}

// Registry exposes the session registry, for the reset endpoint.
func (s *ChatTurnService) Registry() *session.Registry {
	return s.registry
}

// Run executes one streaming chat turn, writing events to sink.
//
// # Description
//
//	Step 1: Resolve conversation ID and nonce, minting fresh UUIDs
//	        where the client sent none.
//	Step 2: Announce conversation_id and nonce events.
//	Step 3: Retrieve scoped context under the retrieval deadline.
//	        Retrieval failure degrades to an ungrounded answer.
//	Step 4: Emit one chunk_result per retrieved chunk. Zero chunks
//	        means zero chunk events.
//	Step 5: Stream the model answer as data events.
//	Step 6: Finish with exactly one terminal event. Timeouts and
//	        disconnects get NO terminal event; the dead connection
//	        cannot carry one anyway.
//	Step 7: On success only, persist the turn on a detached context.
//
// # Outputs
//
//	TurnResult - Terminal state, the answer (empty unless completed),
//	and the classification error if any.
func (s *ChatTurnService) Run(ctx context.Context, req TurnRequest, sink EventSink) TurnResult {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	nonce := req.Nonce
	if nonce == "" {
		nonce = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()

	ctx, span := turnTracer.Start(ctx, "ChatTurnService.Run",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("kb.id", req.KBID),
			attribute.String("app.type", req.AppType),
			attribute.String("client.address", req.RemoteAddr)))
	defer span.End()

	slog.Info("chat turn started",
		"conversation_id", conversationID,
		"kb_id", req.KBID,
		"app_type", req.AppType,
		"remote_addr", req.RemoteAddr)

	lifecycle := newTurnLifecycle()
	result := TurnResult{ConversationID: conversationID}

	assistant, err := s.registry.GetOrCreate(conversationID, req.KBID)
	if err != nil {
		lifecycle.finalize(TurnErrored)
		result.State = TurnErrored
		result.Err = err
		_ = sink.WriteError("failed to start conversation")
		return result
	}
	result.Model = assistant.ModelName()

	if err := sink.WriteConversationID(conversationID); err != nil {
		return s.abandon(lifecycle, result, err)
	}
	if err := sink.WriteNonce(nonce); err != nil {
		return s.abandon(lifecycle, result, err)
	}

	// Step 3: retrieval, degraded on failure.
	chunks := s.retrieve(ctx, assistant, req.Message)
	span.SetAttributes(attribute.Int("chunks.count", len(chunks)))

	for _, chunk := range chunks {
		if err := sink.WriteChunkResult(chunk); err != nil {
			return s.abandon(lifecycle, result, err)
		}
	}

	lifecycle.advance(TurnAwaitingModel)

	answer, streamErr := assistant.StreamAnswer(ctx, req.Message, chunks, func(token string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lifecycle.advance(TurnStreaming)
		result.TokenCount++
		return sink.WriteData(token)
	})

	// Step 6: classify the ending. Exactly one terminal event at most.
	if streamErr != nil {
		return s.finish(lifecycle, result, sink, streamErr)
	}
	if ctx.Err() != nil {
		// The model returned cleanly but the deadline or the client
		// beat it. The partial answer is discarded.
		return s.finish(lifecycle, result, sink, ctx.Err())
	}

	if !lifecycle.finalize(TurnCompleted) {
		result.State = lifecycle.State()
		return result
	}
	result.State = TurnCompleted
	result.Answer = answer
	if err := sink.WriteDone(); err != nil {
		slog.Warn("done event write failed after completion",
			"conversation_id", conversationID,
			"error", err)
	}

	// Step 7: persist on a detached context so a client that hangs up
	// right after done cannot lose the turn.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), persistTimeout)
	defer persistCancel()
	if err := assistant.SaveTurn(persistCtx, req.Message, answer); err != nil {
		slog.Error("failed to persist completed turn",
			"conversation_id", conversationID,
			"error", err)
	}

	// Title the conversation off its first question. A no-op once a
	// title exists; a failure costs only the title, never the turn.
	if _, err := assistant.EnsureTitle(persistCtx, req.Message); err != nil {
		slog.Warn("failed to title conversation",
			"conversation_id", conversationID,
			"error", err)
	}

	return result
}

// retrieve runs the retrieval phase under its own deadline. Any
// failure is logged and degrades the turn to an ungrounded answer.
func (s *ChatTurnService) retrieve(ctx context.Context, assistant *session.Assistant, message string) []retrieval.Chunk {
	retrievalCtx, cancel := context.WithTimeout(ctx, s.retrievalTimeout)
	defer cancel()

	chunks, err := assistant.Retrieve(retrievalCtx, message)
	if err != nil {
		rerr := &RetrievalError{Err: err}
		slog.Warn("retrieval failed, answering without document context",
			"conversation_id", assistant.ConversationID(),
			"error", rerr)
		return nil
	}
	return chunks
}

// finish classifies a failed or cut-short turn. Partial answers are
// discarded: result.Answer stays empty and nothing is persisted.
func (s *ChatTurnService) finish(lifecycle *turnLifecycle, result TurnResult, sink EventSink, cause error) TurnResult {
	result.Err = cause

	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		// Deadline hit. The connection is past its useful life; no
		// terminal event goes out.
		lifecycle.finalize(TurnTimedOut)
		result.State = TurnTimedOut
		slog.Warn("turn deadline exceeded, partial answer discarded",
			"conversation_id", result.ConversationID,
			"tokens_streamed", result.TokenCount)
	case errors.Is(cause, context.Canceled):
		// Client went away. Nobody is listening for a terminal event.
		lifecycle.finalize(TurnCancelled)
		result.State = TurnCancelled
		slog.Info("turn cancelled by client",
			"conversation_id", result.ConversationID,
			"tokens_streamed", result.TokenCount)
	default:
		if lifecycle.finalize(TurnErrored) {
			_ = sink.WriteError("the assistant hit an internal error, please retry")
		}
		result.State = TurnErrored
		slog.Error("turn failed, partial answer discarded",
			"conversation_id", result.ConversationID,
			"tokens_streamed", result.TokenCount,
			"error", cause)
	}
	return result
}

// abandon handles a sink write failure before streaming finished. The
// transport is gone, so the turn ends cancelled with no event.
func (s *ChatTurnService) abandon(lifecycle *turnLifecycle, result TurnResult, cause error) TurnResult {
	lifecycle.finalize(TurnCancelled)
	result.State = TurnCancelled
	result.Err = cause
	slog.Info("event write failed, abandoning turn",
		"conversation_id", result.ConversationID,
		"error", cause)
	return result
}
