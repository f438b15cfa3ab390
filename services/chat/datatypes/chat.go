// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the chat service.
//
// This file contains the streaming chat request type and its validation.
// For SSE event types see events.go; for Weaviate query types see
// weaviate_query.go.
package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a user message.
	// Bounded to prevent memory exhaustion from oversized payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxConversationIDLength bounds the client-supplied conversation ID.
	MaxConversationIDLength = 128

	// MaxNonceLength bounds the client-supplied nonce.
	MaxNonceLength = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Byte-length bound on message content (not rune count)
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)

	// Reject messages that are whitespace-only after trimming
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Checks byte length (not rune count) to prevent
// memory exhaustion with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// validateNotBlank validates that a string field contains at least one
// non-whitespace character.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Chat Request Types
// =============================================================================

// ChatRequest represents a streaming chat turn request body.
//
// # Description
//
// ChatRequest carries one user message into a conversation. This is the
// body of POST /share/v1/chat/message. The knowledge base scope comes
// from the X-KB-ID request header, not the body.
//
// # Fields
//
//   - Message: Required. The user's message. Must contain at least one
//     non-whitespace character and is limited to 32KB.
//   - ConversationID: Optional. Continues an existing conversation.
//     When empty the server mints a fresh UUID and announces it in the
//     conversation_id event.
//   - Nonce: Optional. Opaque client token echoed back in the nonce
//     event. A fresh UUID is minted when empty.
//   - AppType: Optional. Client surface identifier ("web", "widget")
//     recorded for diagnostics.
//
// # Validation
//
// Uses go-playground/validator:
//   - Message: required, notblank, max 32768 bytes
//   - ConversationID: max 128 characters
//   - Nonce: max 128 characters
type ChatRequest struct {
	Message        string `json:"message" validate:"required,notblank,maxbytes"`
	ConversationID string `json:"conversation_id" validate:"omitempty,max=128"`
	Nonce          string `json:"nonce" validate:"omitempty,max=128"`
	AppType        string `json:"app_type" validate:"omitempty,max=32"`
}

// Validate checks the request against its validation tags.
//
// # Outputs
//
//   - error: Non-nil with a field-level description on failure.
func (r *ChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("chat request validation failed: %w", err)
	}
	return nil
}
