// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides request scoping and access control for
// the chat endpoints.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderKBID carries the knowledge base scope for a request.
	HeaderKBID = "X-KB-ID"

	// HeaderSharedSecret carries the shared access password.
	HeaderSharedSecret = "X-Simple-Auth-Password"

	kbIDContextKey = "nestwiki.kb_id"
)

// KBScope extracts the knowledge base ID header into the request
// context. Presence is enforced by the handlers that need it, not
// here, so scope-free endpoints can share the middleware chain.
func KBScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		kbID := strings.TrimSpace(c.GetHeader(HeaderKBID))
		if kbID != "" {
			c.Set(kbIDContextKey, kbID)
		}
		c.Next()
	}
}

// KBIDFromContext returns the knowledge base scope set by KBScope, or
// empty when the request carried none.
func KBIDFromContext(c *gin.Context) string {
	return c.GetString(kbIDContextKey)
}

// SharedSecret rejects requests whose password header does not match
// the configured secret. With an empty secret the check is disabled;
// deployments behind their own auth proxy run that way.
func SharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		provided := c.GetHeader(HeaderSharedSecret)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
