// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newKBRouter() (*gin.Engine, *string) {
	router := gin.New()
	router.Use(KBScope())
	var captured string
	router.GET("/echo", func(c *gin.Context) {
		captured = KBIDFromContext(c)
		c.Status(http.StatusOK)
	})
	return router, &captured
}

func TestKBScope_CapturesHeader(t *testing.T) {
	router, captured := newKBRouter()

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set(HeaderKBID, "kb-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "kb-42", *captured)
}

func TestKBScope_TrimsWhitespace(t *testing.T) {
	router, captured := newKBRouter()

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set(HeaderKBID, "  kb-42  ")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "kb-42", *captured)
}

func TestKBScope_MissingHeaderYieldsEmpty(t *testing.T) {
	router, captured := newKBRouter()

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, *captured)
}

func newSecretRouter(secret string) *gin.Engine {
	router := gin.New()
	router.Use(SharedSecret(secret))
	router.GET("/echo", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestSharedSecret_MatchAllows(t *testing.T) {
	router := newSecretRouter("hunter2")

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set(HeaderSharedSecret, "hunter2")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSharedSecret_MismatchRejects(t *testing.T) {
	router := newSecretRouter("hunter2")

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set(HeaderSharedSecret, "wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSharedSecret_MissingHeaderRejects(t *testing.T) {
	router := newSecretRouter("hunter2")

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSharedSecret_EmptySecretDisablesCheck(t *testing.T) {
	router := newSecretRouter("")

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
