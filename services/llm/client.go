// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import "context"

// Message is a single chat message sent to the model.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType categorizes events delivered during streaming.
type StreamEventType string

const (
	// StreamEventToken is a content delta from the model.
	StreamEventToken StreamEventType = "token"

	// StreamEventError is a terminal error reported mid-stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is a single event delivered to a StreamCallback.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives stream events in arrival order.
// Returning a non-nil error aborts the stream.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate runs a one-shot completion for the given prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ChatStream streams a chat completion token by token. The callback
	// is invoked for every event; streaming stops when the callback
	// returns an error or the context is cancelled.
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error

	// Model reports the backing model name, for logs and metric labels.
	Model() string
}
