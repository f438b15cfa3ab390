// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Typed GraphQL Response Parsing
// =============================================================================

// ParseGraphQLResponse unmarshals a Weaviate GraphQL response into a
// typed struct.
//
// # Description
//
// Weaviate's Go client returns query data as untyped map[string]any.
// This helper round-trips the data through JSON into a caller-supplied
// response type, giving compile-time safety for field access.
//
// # Inputs
//
//   - resp: The raw GraphQL response from the Weaviate client.
//
// # Outputs
//
//   - *T: The typed response.
//   - error: Non-nil if resp is nil or the data does not match T.
//
// # Examples
//
//	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChunkQueryResponse](result)
//	if err != nil {
//	    return nil, err
//	}
//	for _, chunk := range parsed.Get.DocumentChunk { ... }
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Chunk Query Response Types
// =============================================================================

// ChunkQueryResponse represents the response from querying the
// DocumentChunk class.
type ChunkQueryResponse struct {
	Get struct {
		DocumentChunk []ChunkRow `json:"DocumentChunk"`
	} `json:"Get"`
}

// ChunkRow is a single DocumentChunk object from a nearVector query.
//
// Certainty is requested via _additional; it is always in [0, 1]
// regardless of the configured distance metric.
type ChunkRow struct {
	NodeID     string          `json:"node_id"`
	Name       string          `json:"name"`
	Content    string          `json:"content"`
	Additional ChunkAdditional `json:"_additional"`
}

// ChunkAdditional carries Weaviate's _additional metadata for a chunk.
type ChunkAdditional struct {
	Certainty *float32 `json:"certainty"`
}
