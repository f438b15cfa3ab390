// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval performs semantic search over the document chunk
// index for grounding chat answers.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestwiki/nestwiki/services/chat/datatypes"
)

var retrievalTracer = otel.Tracer("nestwiki.chat.retrieval")

const (
	// chunkClassName is the Weaviate class holding indexed document chunks.
	chunkClassName = "DocumentChunk"

	// defaultMaxResults caps how many chunks a single query returns.
	defaultMaxResults = 5

	// defaultMinScore is the certainty floor. Chunks below it are
	// discarded rather than injected into the prompt.
	defaultMinScore = 0.8

	// summaryRuneLimit bounds the summary surfaced in chunk events.
	summaryRuneLimit = 200
)

// Chunk is one retrieved document fragment.
type Chunk struct {
	NodeID  string
	Name    string
	Summary string
	Score   float64
}

// Scope restricts a search to a conversation's private memory, a
// knowledge base, or both. Empty fields widen the search: a zero Scope
// searches everything.
type Scope struct {
	ConversationID string
	KBID           string
}

// Searcher finds document chunks relevant to a query.
type Searcher interface {
	Search(ctx context.Context, scope Scope, query string) ([]Chunk, error)
}

// Embedder converts text into a vector for nearVector search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls the embedding sidecar over HTTP.
type HTTPEmbedder struct{}

var _ Embedder = (*HTTPEmbedder)(nil)

func (HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp datatypes.EmbeddingResponse
	if err := resp.GetWithContext(ctx, text); err != nil {
		return nil, err
	}
	if len(resp.Vector) == 0 {
		return nil, errors.New("embedding service returned an empty vector")
	}
	return resp.Vector, nil
}

// WeaviateSearcher runs scoped nearVector queries against Weaviate.
//
// # Thread Safety
//
//	Safe for concurrent use. The Weaviate client and embedder are both
//	concurrency-safe and the searcher itself holds no mutable state.
type WeaviateSearcher struct {
	client     *weaviate.Client
	embedder   Embedder
	maxResults int
	minScore   float64
}

var _ Searcher = (*WeaviateSearcher)(nil)

// NewWeaviateSearcher creates a searcher with the default result cap
// and certainty floor.
func NewWeaviateSearcher(client *weaviate.Client, embedder Embedder) (*WeaviateSearcher, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	return &WeaviateSearcher{
		client:     client,
		embedder:   embedder,
		maxResults: defaultMaxResults,
		minScore:   defaultMinScore,
	}, nil
}

// Search embeds the query and runs a scoped nearVector search.
//
// # Description
//
//	Step 1: Embed the query text.
//	Step 2: Build the scope filter (see buildScopeFilter).
//	Step 3: Run the GraphQL Get query with certainty threshold.
//	Step 4: Parse rows into Chunks, applying the score floor and
//	        summarization.
//
// Returns an empty slice (not an error) when nothing clears the floor.
func (s *WeaviateSearcher) Search(ctx context.Context, scope Scope, query string) ([]Chunk, error) {
	ctx, span := retrievalTracer.Start(ctx, "WeaviateSearcher.Search",
		trace.WithAttributes(
			attribute.String("scope.conversation_id", scope.ConversationID),
			attribute.String("scope.kb_id", scope.KBID)))
	defer span.End()

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithCertainty(float32(s.minScore))

	fields := []graphql.Field{
		{Name: "node_id"},
		{Name: "name"},
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	builder := s.client.GraphQL().Get().
		WithClassName(chunkClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(s.maxResults)

	if where := buildScopeFilter(scope); where != nil {
		builder = builder.WithWhere(where)
	}

	resp, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query: %s", resp.Errors[0].Message)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChunkQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("parse weaviate response: %w", err)
	}

	chunks := s.toChunks(parsed.Get.DocumentChunk)
	span.SetAttributes(attribute.Int("chunks.returned", len(chunks)))
	return chunks, nil
}

// buildScopeFilter maps a Scope onto a Weaviate where filter.
//
//	both empty  -> nil (unfiltered search)
//	one set     -> Equal on that field
//	both set    -> Or of the two Equal filters
func buildScopeFilter(scope Scope) *filters.WhereBuilder {
	memory := scope.ConversationID != ""
	kb := scope.KBID != ""

	switch {
	case memory && kb:
		return filters.Where().
			WithOperator(filters.Or).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"memory_id"}).
					WithOperator(filters.Equal).
					WithValueString(scope.ConversationID),
				filters.Where().
					WithPath([]string{"kb_id"}).
					WithOperator(filters.Equal).
					WithValueString(scope.KBID),
			})
	case memory:
		return filters.Where().
			WithPath([]string{"memory_id"}).
			WithOperator(filters.Equal).
			WithValueString(scope.ConversationID)
	case kb:
		// Assistants always carry a conversation ID, so this branch only
		// fires for direct Search callers doing KB-wide lookups.
		return filters.Where().
			WithPath([]string{"kb_id"}).
			WithOperator(filters.Equal).
			WithValueString(scope.KBID)
	default:
		return nil
	}
}

func (s *WeaviateSearcher) toChunks(rows []datatypes.ChunkRow) []Chunk {
	chunks := make([]Chunk, 0, len(rows))
	for _, row := range rows {
		if row.Additional.Certainty == nil {
			continue
		}
		score := float64(*row.Additional.Certainty)
		// The server already filters on certainty, but a row can slip
		// under the floor when the threshold is tightened between
		// deploys. Enforce it here too.
		if score < s.minScore {
			continue
		}
		chunks = append(chunks, Chunk{
			NodeID:  row.NodeID,
			Name:    row.Name,
			Summary: Summarize(row.Content),
			Score:   score,
		})
	}
	return chunks
}

// Summarize truncates chunk content to the summary limit, appending an
// ellipsis when text was cut. Truncation is rune-aware.
func Summarize(content string) string {
	runes := []rune(content)
	if len(runes) <= summaryRuneLimit {
		return content
	}
	return string(runes[:summaryRuneLimit]) + "..."
}
