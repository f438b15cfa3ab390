// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/nestwiki/nestwiki/services/chat/datatypes"
	"github.com/nestwiki/nestwiki/services/chat/retrieval"
	"github.com/nestwiki/nestwiki/services/chat/services"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally.
//
// The event vocabulary for a chat turn, in emission order:
//
//	conversation_id -> nonce -> chunk_result* -> data* -> (error | done)
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The heartbeat goroutine writes keepalives while the turn writes events.
//
// # Limitations
//
//   - Must be used with http.Flusher-compatible ResponseWriter
//   - Response headers must be set before first write
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	services.EventSink

	// WriteEvent writes a single SSE event to the response. The event
	// Type doubles as the SSE event name.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive sends a comment line to prevent connection timeouts.
	//
	// SSE comments are ignored by clients but keep the TCP connection
	// active, preventing timeout disconnections from load balancers
	// (AWS ALB, Nginx default 60s).
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events.
// Each event is written in the format:
//
//	event: {type}
//	data: {json}
//
// # Thread Safety
//
// Thread-safe via mutex. Multiple goroutines can write events concurrently.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event, flushing immediately.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteConversationID announces the conversation this stream belongs to.
// Always the first event of a turn.
func (w *sseWriter) WriteConversationID(conversationID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventConversationID,
		Content: conversationID,
	})
}

// WriteNonce echoes the client's nonce, or a freshly minted one.
func (w *sseWriter) WriteNonce(nonce string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventNonce,
		Content: nonce,
	})
}

// WriteChunkResult announces one retrieved document chunk.
func (w *sseWriter) WriteChunkResult(chunk retrieval.Chunk) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type: datatypes.EventChunkResult,
		ChunkResult: &datatypes.ChunkResult{
			NodeID:  chunk.NodeID,
			Name:    chunk.Name,
			Summary: chunk.Summary,
		},
	})
}

// WriteData streams one answer token.
func (w *sseWriter) WriteData(token string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventData,
		Content: token,
	})
}

// WriteError writes an error event.
//
// Caller must sanitize the message first; internal details never reach
// the client.
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventError,
		Content: errMsg,
	})
}

// WriteDone writes the terminal success event. At most once per stream.
func (w *sseWriter) WriteDone() error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type: datatypes.EventDone,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
var _ services.EventSink = (*sseWriter)(nil)
