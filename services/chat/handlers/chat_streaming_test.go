// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwiki/nestwiki/services/chat/memory"
	"github.com/nestwiki/nestwiki/services/chat/observability"
	"github.com/nestwiki/nestwiki/services/chat/middleware"
	"github.com/nestwiki/nestwiki/services/chat/retrieval"
	"github.com/nestwiki/nestwiki/services/chat/services"
	"github.com/nestwiki/nestwiki/services/chat/session"
	"github.com/nestwiki/nestwiki/services/chat/storage/badger"
	"github.com/nestwiki/nestwiki/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// streamingMockLLMClient replays a scripted token stream.
type streamingMockLLMClient struct {
	StreamTokens []string
	StreamError  error
}

func (m *streamingMockLLMClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return "", nil
}

func (m *streamingMockLLMClient) Model() string { return "mock-model" }

func (m *streamingMockLLMClient) ChatStream(ctx context.Context, messages []llm.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	for _, token := range m.StreamTokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return err
		}
	}
	return m.StreamError
}

// scriptedSearcher returns fixed chunks or an error.
type scriptedSearcher struct {
	chunks []retrieval.Chunk
	err    error
}

func (s *scriptedSearcher) Search(ctx context.Context, scope retrieval.Scope, query string) ([]retrieval.Chunk, error) {
	return s.chunks, s.err
}

type handlerFixture struct {
	router  *gin.Engine
	service *services.ChatTurnService
	store   memory.Store
}

func newHandlerFixture(t *testing.T, searcher retrieval.Searcher, client llm.LLMClient, opts ...services.TurnOption) *handlerFixture {
	t.Helper()
	return newHandlerFixtureWithMetrics(t, searcher, client, nil, opts...)
}

func newHandlerFixtureWithMetrics(t *testing.T, searcher retrieval.Searcher, client llm.LLMClient, metrics *observability.StreamingMetrics, opts ...services.TurnOption) *handlerFixture {
	t.Helper()

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := memory.NewBadgerStore(db)
	require.NoError(t, err)

	registry, err := session.NewRegistry(func(conversationID, kbID string) *session.Assistant {
		return session.NewAssistant(conversationID, kbID, searcher, store, client)
	})
	require.NoError(t, err)

	service, err := services.NewChatTurnService(registry, opts...)
	require.NoError(t, err)

	handler := NewChatHandler(service, metrics)
	router := gin.New()
	chat := router.Group("/share/v1/chat")
	chat.Use(middleware.KBScope())
	chat.POST("/message", handler.HandleChatMessage)
	chat.POST("/reset", handler.HandleChatReset)
	router.GET("/health", HandleHealthCheck)

	return &handlerFixture{router: router, service: service, store: store}
}

func postChatMessage(t *testing.T, fx *handlerFixture, body map[string]any, kbID string) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/share/v1/chat/message", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if kbID != "" {
		req.Header.Set(middleware.HeaderKBID, kbID)
	}
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

// eventNames extracts the SSE event names from a response body in order.
func eventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

func TestHandleChatMessage_StreamsFullTurn(t *testing.T) {
	searcher := &scriptedSearcher{chunks: []retrieval.Chunk{
		{NodeID: "n1", Name: "Fjords", Summary: "narrow inlet", Score: 0.92},
	}}
	client := &streamingMockLLMClient{StreamTokens: []string{"A ", "fjord"}}
	fx := newHandlerFixture(t, searcher, client)

	w := postChatMessage(t, fx, map[string]any{
		"message":         "what is a fjord?",
		"conversation_id": "conv-1",
		"nonce":           "n-1",
	}, "kb-1")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, []string{
		"conversation_id", "nonce", "chunk_result", "data", "data", "done",
	}, eventNames(w.Body.String()))
}

func TestHandleChatMessage_MissingKBHeaderStreamsErrorEvent(t *testing.T) {
	fx := newHandlerFixture(t, &scriptedSearcher{}, &streamingMockLLMClient{})

	w := postChatMessage(t, fx, map[string]any{"message": "hello"}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, []string{"error"}, eventNames(w.Body.String()))
	assert.Contains(t, w.Body.String(), "X-KB-ID")
}

func TestHandleChatMessage_EmptyMessageStreamsErrorEvent(t *testing.T) {
	fx := newHandlerFixture(t, &scriptedSearcher{}, &streamingMockLLMClient{})

	w := postChatMessage(t, fx, map[string]any{"message": ""}, "kb-1")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, []string{"error"}, eventNames(w.Body.String()))
}

func TestHandleChatMessage_MalformedBodyStreamsErrorEvent(t *testing.T) {
	fx := newHandlerFixture(t, &scriptedSearcher{}, &streamingMockLLMClient{})

	req := httptest.NewRequest(http.MethodPost, "/share/v1/chat/message", strings.NewReader("{not json"))
	req.Header.Set(middleware.HeaderKBID, "kb-1")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"error"}, eventNames(w.Body.String()))
	assert.Contains(t, w.Body.String(), "invalid request body")
}

func TestHandleChatMessage_BusyReturns503(t *testing.T) {
	fx := newHandlerFixture(t, &scriptedSearcher{}, &streamingMockLLMClient{StreamTokens: []string{"hi"}},
		services.WithMaxConcurrentStreams(1))

	release, err := fx.service.AcquireSlot()
	require.NoError(t, err)
	defer release()

	w := postChatMessage(t, fx, map[string]any{"message": "hello"}, "kb-1")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleChatMessage_ModelFailureStreamsErrorEvent(t *testing.T) {
	client := &streamingMockLLMClient{
		StreamTokens: []string{"partial"},
		StreamError:  fmt.Errorf("upstream reset"),
	}
	fx := newHandlerFixture(t, &scriptedSearcher{}, client)

	w := postChatMessage(t, fx, map[string]any{
		"message":         "hello",
		"conversation_id": "conv-1",
	}, "kb-1")

	// SSE already started, so failures ride the stream, not the status.
	assert.Equal(t, http.StatusOK, w.Code)
	names := eventNames(w.Body.String())
	assert.Contains(t, names, "error")
	assert.NotContains(t, names, "done")
	// Internal detail stays out of the event payload.
	assert.NotContains(t, w.Body.String(), "upstream reset")
}

func TestHandleChatMessage_NoChunkEventsWithoutRetrievalHits(t *testing.T) {
	fx := newHandlerFixture(t, &scriptedSearcher{}, &streamingMockLLMClient{StreamTokens: []string{"hi"}})

	w := postChatMessage(t, fx, map[string]any{
		"message":         "hello",
		"conversation_id": "conv-1",
	}, "kb-1")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, eventNames(w.Body.String()), "chunk_result")
}

func TestHandleChatMessage_RecordsStreamedTokenCount(t *testing.T) {
	metrics := observability.InitMetrics()
	client := &streamingMockLLMClient{StreamTokens: []string{"A ", "fjord ", "is..."}}
	fx := newHandlerFixtureWithMetrics(t, &scriptedSearcher{}, client, metrics)

	w := postChatMessage(t, fx, map[string]any{
		"message":         "what is a fjord?",
		"conversation_id": "conv-1",
	}, "kb-1")
	require.Equal(t, http.StatusOK, w.Code)

	counted := testutil.ToFloat64(metrics.TokensTotal.WithLabelValues("output", "mock-model"))
	assert.Equal(t, float64(3), counted)
}

func TestHandleChatReset_ClearsConversation(t *testing.T) {
	fx := newHandlerFixture(t, &scriptedSearcher{}, &streamingMockLLMClient{StreamTokens: []string{"hi"}})

	w := postChatMessage(t, fx, map[string]any{
		"message":         "remember me",
		"conversation_id": "conv-1",
	}, "kb-1")
	require.Equal(t, http.StatusOK, w.Code)

	payload, err := json.Marshal(map[string]string{"conversation_id": "conv-1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/share/v1/chat/reset", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderKBID, "kb-1")
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	history, err := fx.store.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, memory.RoleSystem, history[0].Role)
}

func TestHandleChatReset_MissingConversationID(t *testing.T) {
	fx := newHandlerFixture(t, &scriptedSearcher{}, &streamingMockLLMClient{})

	req := httptest.NewRequest(http.MethodPost, "/share/v1/chat/reset", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealthCheck(t *testing.T) {
	fx := newHandlerFixture(t, &scriptedSearcher{}, &streamingMockLLMClient{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestSanitizeErrorForClient(t *testing.T) {
	assert.Equal(t, "", sanitizeErrorForClient(nil))
	assert.Equal(t, "request validation failed", sanitizeErrorForClient(fmt.Errorf("validation failed on field message")))
	assert.Equal(t, "a required field is missing", sanitizeErrorForClient(fmt.Errorf("conversation_id is required")))
	assert.Equal(t, "an internal error occurred", sanitizeErrorForClient(fmt.Errorf("dial tcp 10.0.0.2: connection refused")))
}
