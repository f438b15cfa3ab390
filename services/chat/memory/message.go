// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory stores conversation history for the chat service.
//
// Histories are kept as ordered message lists, one per conversation,
// persisted in BadgerDB with an in-process LRU cache in front. Every
// read and write path normalizes the history through
// EnsureValidStructure so no caller ever observes an empty or
// system-prompt-less conversation.
package memory

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// DefaultSystemPrompt is the system message prepended to every
// conversation that does not carry one of its own.
const DefaultSystemPrompt = "You are a helpful assistant."

// Message is a single entry in a conversation history.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// NewMessage builds a message with a fresh ID and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// EnsureValidStructure normalizes a conversation history.
//
// # Description
//
//	Applies the structural invariants every stored and served history
//	must satisfy:
//	  - Messages with empty content are dropped (logged at warn).
//	  - Exactly one system message, at index 0. An existing system
//	    message is moved to the front, keeping its content; extra
//	    system messages are dropped. Only when none exists is one
//	    inserted with the given prompt (DefaultSystemPrompt when
//	    prompt is "").
//	  - Consecutive user or assistant messages with identical content
//	    are collapsed to one. Non-adjacent duplicates are kept. Tool
//	    messages are never deduplicated.
//	  - The result is never empty: worst case it is the system message
//	    alone.
//
// # Inputs
//
//	msgs - History to normalize. May be nil or empty.
//	systemPrompt - System prompt to use when one must be inserted.
//
// # Outputs
//
//	[]Message - The normalized history. A new slice; the input is not
//	modified.
func EnsureValidStructure(msgs []Message, systemPrompt string) []Message {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	var system *Message
	out := make([]Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Content == "" {
			slog.Warn("dropping empty message from conversation history",
				"message_id", m.ID,
				"role", string(m.Role))
			continue
		}
		// The first system message wins the slot at index 0, wherever it
		// appears in the input. Further system messages are dropped.
		if m.Role == RoleSystem {
			if system == nil {
				msg := m
				system = &msg
			} else {
				slog.Warn("dropping extra system message from conversation history",
					"message_id", m.ID)
			}
			continue
		}
		// Collapse runs of identical user or assistant messages. Tool
		// messages carry call results and are kept even when identical.
		if (m.Role == RoleUser || m.Role == RoleAssistant) && len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Role == m.Role && prev.Content == m.Content {
				continue
			}
		}
		out = append(out, m)
	}

	if system == nil {
		msg := NewMessage(RoleSystem, systemPrompt)
		system = &msg
	}
	return append([]Message{*system}, out...)
}
