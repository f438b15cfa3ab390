// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwiki/nestwiki/services/chat/retrieval"
)

// noFlushWriter deliberately lacks http.Flusher.
type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header        { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(statusCode int) {}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&noFlushWriter{header: http.Header{}})
	assert.Error(t, err)
}

func TestSSEWriter_ConversationIDEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteConversationID("conv-1"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: conversation_id\n")
	assert.Contains(t, body, `"type":"conversation_id"`)
	assert.Contains(t, body, `"content":"conv-1"`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestSSEWriter_NonceEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteNonce("nonce-9"))

	assert.Contains(t, rec.Body.String(), "event: nonce\n")
	assert.Contains(t, rec.Body.String(), `"content":"nonce-9"`)
}

func TestSSEWriter_ChunkResultEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteChunkResult(retrieval.Chunk{
		NodeID:  "n1",
		Name:    "Fjords",
		Summary: "narrow inlet",
		Score:   0.92,
	}))

	body := rec.Body.String()
	assert.Contains(t, body, "event: chunk_result\n")
	assert.Contains(t, body, `"node_id":"n1"`)
	assert.Contains(t, body, `"name":"Fjords"`)
	assert.Contains(t, body, `"summary":"narrow inlet"`)
}

func TestSSEWriter_DataEventPreservesWhitespace(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteData(" world"))

	assert.Contains(t, rec.Body.String(), "event: data\n")
	assert.Contains(t, rec.Body.String(), `"content":" world"`)
}

func TestSSEWriter_ErrorAndDoneEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteError("something went wrong"))
	require.NoError(t, writer.WriteDone())

	body := rec.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, `"content":"something went wrong"`)
	assert.Contains(t, body, "event: done\n")
}

func TestSSEWriter_KeepAliveIsComment(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteKeepAlive())

	assert.Equal(t, ": ping\n\n", rec.Body.String())
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()

	SetSSEHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
