// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session binds a conversation to its retrieval scope and
// model, and bounds how many such bindings are kept alive at once.
package session

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestwiki/nestwiki/services/chat/memory"
	"github.com/nestwiki/nestwiki/services/chat/retrieval"
	"github.com/nestwiki/nestwiki/services/llm"
)

var sessionTracer = otel.Tracer("nestwiki.chat.session")

// historyWindow caps how many trailing messages are sent to the model.
// The system message survives windowing regardless.
const historyWindow = 20

// Assistant is one conversation's RAG pipeline: it retrieves scoped
// context, streams a model answer grounded in it, and persists the
// completed turn.
//
// # Thread Safety
//
//	An Assistant holds no mutable state of its own; its collaborators
//	are all concurrency-safe. Callers still must not run two turns of
//	the same conversation concurrently, which the turn service's
//	per-stream state machine enforces.
type Assistant struct {
	conversationID string
	kbID           string
	searcher       retrieval.Searcher
	store          memory.Store
	client         llm.LLMClient
}

// NewAssistant binds a conversation and knowledge base to the given
// collaborators.
func NewAssistant(conversationID, kbID string, searcher retrieval.Searcher, store memory.Store, client llm.LLMClient) *Assistant {
	return &Assistant{
		conversationID: conversationID,
		kbID:           kbID,
		searcher:       searcher,
		store:          store,
		client:         client,
	}
}

// ConversationID returns the conversation this assistant serves.
func (a *Assistant) ConversationID() string { return a.conversationID }

// KBID returns the knowledge base scope, which may be empty.
func (a *Assistant) KBID() string { return a.kbID }

// Retrieve runs a scoped semantic search for the user's message.
func (a *Assistant) Retrieve(ctx context.Context, query string) ([]retrieval.Chunk, error) {
	return a.searcher.Search(ctx, retrieval.Scope{
		ConversationID: a.conversationID,
		KBID:           a.kbID,
	}, query)
}

// StreamAnswer streams a model answer for the user's message.
//
// # Description
//
//	Step 1: Load and window the conversation history.
//	Step 2: Inject retrieved chunks into the user message.
//	Step 3: Stream tokens from the model, forwarding each to onToken
//	        and accumulating the full answer.
//
// # Outputs
//
//	string - The complete answer accumulated so far. On error this is
//	the partial answer; callers decide whether to discard it.
//	error - Non-nil if history load, the model call, or onToken failed.
//
// The raw user message is NOT persisted here; call SaveTurn after the
// stream completes.
func (a *Assistant) StreamAnswer(ctx context.Context, userMessage string, chunks []retrieval.Chunk, onToken func(token string) error) (string, error) {
	ctx, span := sessionTracer.Start(ctx, "Assistant.StreamAnswer",
		trace.WithAttributes(
			attribute.String("conversation.id", a.conversationID),
			attribute.Int("chunks.count", len(chunks))))
	defer span.End()

	history, err := a.store.Load(ctx, a.conversationID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	history = windowHistory(history, historyWindow)

	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{
		Role:    string(memory.RoleUser),
		Content: injectChunks(userMessage, chunks),
	})

	var answer strings.Builder
	err = a.client.ChatStream(ctx, messages, llm.GenerationParams{}, func(event llm.StreamEvent) error {
		if event.Type != llm.StreamEventToken || event.Content == "" {
			return nil
		}
		answer.WriteString(event.Content)
		return onToken(event.Content)
	})
	if err != nil {
		return answer.String(), err
	}
	return answer.String(), nil
}

// SaveTurn appends the raw user message and the assistant answer to
// the stored history in one atomic write, so turns finishing at the
// same time on this conversation cannot overwrite each other. The
// injected document context is deliberately not persisted; retrieval
// runs fresh each turn.
func (a *Assistant) SaveTurn(ctx context.Context, userMessage, answer string) error {
	return a.store.Append(ctx, a.conversationID,
		memory.NewMessage(memory.RoleUser, userMessage),
		memory.NewMessage(memory.RoleAssistant, answer),
	)
}

// titlePromptLimit caps how much of the first question is handed to the
// model when summarizing it into a title.
const titlePromptLimit = 500

// EnsureTitle generates and stores a short conversation title from the
// first user question. It is a no-op when a title already exists, so
// callers can invoke it after every completed turn.
func (a *Assistant) EnsureTitle(ctx context.Context, userMessage string) (string, error) {
	ctx, span := sessionTracer.Start(ctx, "Assistant.EnsureTitle",
		trace.WithAttributes(attribute.String("conversation.id", a.conversationID)))
	defer span.End()

	existing, err := a.store.LoadTitle(ctx, a.conversationID)
	if err != nil {
		return "", fmt.Errorf("load title: %w", err)
	}
	if existing != "" {
		return existing, nil
	}

	snippet := userMessage
	if runes := []rune(snippet); len(runes) > titlePromptLimit {
		snippet = string(runes[:titlePromptLimit])
	}
	prompt := fmt.Sprintf(
		"Summarize the following question as a conversation title of at most six words. Reply with the title only.\n\n%s",
		snippet)

	maxTokens := 24
	title, err := a.client.Generate(ctx, prompt, llm.GenerationParams{MaxTokens: &maxTokens})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		return "", nil
	}

	if err := a.store.SaveTitle(ctx, a.conversationID, title); err != nil {
		return "", err
	}
	return title, nil
}

// ModelName reports which model backs this assistant, for metrics
// labels.
func (a *Assistant) ModelName() string {
	if a.client == nil {
		return ""
	}
	return a.client.Model()
}

// Reset deletes the stored conversation history.
func (a *Assistant) Reset(ctx context.Context) error {
	return a.store.Delete(ctx, a.conversationID)
}

// windowHistory keeps the system message plus the last n remaining
// messages.
func windowHistory(msgs []memory.Message, n int) []memory.Message {
	if len(msgs) == 0 {
		return msgs
	}
	var system []memory.Message
	rest := msgs
	if msgs[0].Role == memory.RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
	}
	if len(rest) > n {
		rest = rest[len(rest)-n:]
	}
	out := make([]memory.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	out = append(out, rest...)
	return out
}

// injectChunks appends retrieved documents to the user message. With
// no chunks the message passes through untouched.
func injectChunks(userMessage string, chunks []retrieval.Chunk) string {
	if len(chunks) == 0 {
		return userMessage
	}
	var docs strings.Builder
	for i, c := range chunks {
		if i > 0 {
			docs.WriteString("\n\n")
		}
		docs.WriteString(fmt.Sprintf("[%s] %s", c.Name, c.Summary))
	}
	return fmt.Sprintf("%s\nThe following documents may help answer the question; base your answer on them when relevant:\n%s",
		userMessage, docs.String())
}
