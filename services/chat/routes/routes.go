// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the chat service's HTTP routes.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nestwiki/nestwiki/services/chat/handlers"
	"github.com/nestwiki/nestwiki/services/chat/middleware"
	"github.com/nestwiki/nestwiki/services/chat/observability"
	"github.com/nestwiki/nestwiki/services/chat/services"
)

// Config carries the dependencies the routes need.
type Config struct {
	// TurnService runs streaming chat turns.
	TurnService *services.ChatTurnService

	// Metrics is the streaming metrics singleton. May be nil in tests.
	Metrics *observability.StreamingMetrics

	// SharedSecret gates the chat endpoints when non-empty.
	SharedSecret string
}

// SetupRoutes registers all chat service routes on the router.
//
//	GET  /health                  - liveness probe
//	GET  /metrics                 - Prometheus metrics
//	POST /share/v1/chat/message   - streaming chat turn (SSE)
//	POST /share/v1/chat/reset     - clear a conversation
//
// The /share/v1/chat group carries the KB scope and shared secret
// middleware; health and metrics stay open for probes and scrapers.
func SetupRoutes(router *gin.Engine, cfg Config) {
	chatHandler := handlers.NewChatHandler(cfg.TurnService, cfg.Metrics)

	router.GET("/health", handlers.HandleHealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chat := router.Group("/share/v1/chat")
	chat.Use(middleware.SharedSecret(cfg.SharedSecret))
	chat.Use(middleware.KBScope())
	{
		chat.POST("/message", chatHandler.HandleChatMessage)
		chat.POST("/reset", chatHandler.HandleChatReset)
	}
}
