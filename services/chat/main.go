// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nestwiki/nestwiki/pkg/logging"
	"github.com/nestwiki/nestwiki/services/chat/memory"
	"github.com/nestwiki/nestwiki/services/chat/observability"
	"github.com/nestwiki/nestwiki/services/chat/retrieval"
	"github.com/nestwiki/nestwiki/services/chat/routes"
	"github.com/nestwiki/nestwiki/services/chat/services"
	"github.com/nestwiki/nestwiki/services/chat/session"
	badgerstore "github.com/nestwiki/nestwiki/services/chat/storage/badger"
	"github.com/nestwiki/nestwiki/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "nestwiki-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chat-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newWeaviateClient builds the retrieval client from WEAVIATE_SERVICE_URL.
// Returns nil when the URL is unset or invalid; the service then runs
// in lightweight mode and answers without document grounding.
func newWeaviateClient() *weaviate.Client {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Sanitize: trim quotes and whitespace in case the container runtime
	// passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running in lightweight mode (chat without retrieval).")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running in lightweight mode.",
			"url", weaviateURL, "error", err)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", "error", err)
		return nil
	}
	return client
}

func main() {
	port := os.Getenv("CHAT_PORT")
	if port == "" {
		port = "8080"
	}

	logging.Init(logging.Config{Service: "chat-service"})

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	// --- Conversation store ---
	badgerPath := os.Getenv("BADGER_PATH")
	if badgerPath == "" {
		badgerPath = "/data/nestwiki/conversations"
		slog.Warn("BADGER_PATH not set, defaulting", "path", badgerPath)
	}
	storeCfg := badgerstore.DefaultConfig()
	storeCfg.Path = badgerPath
	storeCfg.Logger = slog.Default()
	db, err := badgerstore.OpenDB(storeCfg)
	if err != nil {
		log.Fatalf("Failed to open conversation store: %v", err)
	}
	defer db.Close()

	store, err := memory.NewBadgerStore(db.DB,
		memory.WithSystemPrompt(os.Getenv("CHAT_SYSTEM_PROMPT")))
	if err != nil {
		log.Fatalf("Failed to create conversation store: %v", err)
	}

	// --- Retrieval ---
	var searcher retrieval.Searcher
	if weaviateClient := newWeaviateClient(); weaviateClient != nil {
		searcher, err = retrieval.NewWeaviateSearcher(weaviateClient, retrieval.HTTPEmbedder{})
		if err != nil {
			log.Fatalf("Failed to create searcher: %v", err)
		}
	} else {
		searcher = noopSearcher{}
	}

	// --- LLM client ---
	log.Println("Configuring the LLM Client")
	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	// --- Sessions and turn orchestration ---
	registry, err := session.NewRegistry(func(conversationID, kbID string) *session.Assistant {
		return session.NewAssistant(conversationID, kbID, searcher, store, llmClient)
	})
	if err != nil {
		log.Fatalf("Failed to create session registry: %v", err)
	}
	turnService, err := services.NewChatTurnService(registry)
	if err != nil {
		log.Fatalf("Failed to create turn service: %v", err)
	}

	metrics := observability.InitMetrics()

	sharedSecret := os.Getenv("CHAT_SHARED_SECRET")
	if sharedSecret == "" {
		slog.Warn("CHAT_SHARED_SECRET not set, chat endpoints are unauthenticated")
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("chat-service"))

	routes.SetupRoutes(router, routes.Config{
		TurnService:  turnService,
		Metrics:      metrics,
		SharedSecret: sharedSecret,
	})
	log.Println("started up the container")

	log.Println("Starting the chat server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// noopSearcher serves lightweight mode: no index, no chunks.
type noopSearcher struct{}

func (noopSearcher) Search(ctx context.Context, scope retrieval.Scope, query string) ([]retrieval.Chunk, error) {
	return nil, nil
}
