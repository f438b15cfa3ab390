// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// SSE Event Types
// =============================================================================

// Event type names for the streaming chat wire protocol.
//
// A stream emits, in order: conversation_id, nonce, zero or more
// chunk_result events, zero or more data events, and exactly one
// terminal event (done or error). A stream cut short by client
// disconnect or turn timeout emits no terminal event.
const (
	// EventConversationID announces the conversation identifier for the
	// turn. Sent first so clients can persist the ID before any content.
	EventConversationID = "conversation_id"

	// EventNonce echoes the client's nonce, or a server-minted one.
	EventNonce = "nonce"

	// EventChunkResult carries one retrieved document chunk. Omitted
	// entirely when retrieval returns nothing.
	EventChunkResult = "chunk_result"

	// EventData carries one model token delta in Content.
	EventData = "data"

	// EventError is the failure terminal event. Content holds a
	// sanitized message.
	EventError = "error"

	// EventDone is the success terminal event. Content is empty.
	EventDone = "done"
)

// StreamEvent is the JSON payload of every SSE data line.
//
// # Fields
//
//   - Type: One of the Event* constants above.
//   - Content: Event payload text. The conversation ID, the nonce, a
//     token delta, or an error message depending on Type.
//   - ChunkResult: Set only for chunk_result events.
type StreamEvent struct {
	Type        string       `json:"type"`
	Content     string       `json:"content"`
	ChunkResult *ChunkResult `json:"chunk_result,omitempty"`
}

// ChunkResult describes one retrieved document chunk as shown to the
// client before the answer streams.
type ChunkResult struct {
	NodeID  string `json:"node_id"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
}
