// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for NestWiki services.
//
// The package is a thin layer over Go's standard library slog. Services
// log JSON to stdout so logs can be scraped by the container runtime;
// tests and local development can switch to human-readable text output.
//
// # Basic Usage
//
//	logger := logging.Init(logging.Config{Service: "chat"})
//	logger.Info("stream started", "conversation_id", convID)
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - Debug: Development troubleshooting, verbose output
//   - Info: Normal operations (request start/end, state changes)
//   - Warn: Recoverable issues (retry attempts, degraded mode)
//   - Error: Operation failures (but system continues)
//
// The minimum level is read from the LOG_LEVEL environment variable
// ("debug", "info", "warn", "error") unless Config.Level is set.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data.
// Callers must ensure PII, tokens, and secrets are not logged:
//
//	// BAD: logs sensitive data
//	logger.Info("auth", "secret", sharedSecret)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "secret_present", sharedSecret != "")
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Config configures logger construction.
//
// A zero-value Config produces an Info-level JSON logger on stdout
// with no service attribute.
type Config struct {
	// Service identifies the component generating logs.
	//
	// When set, the value is included in every log entry as the
	// "service" attribute.
	Service string

	// Level sets the minimum log level. When nil, the level is read
	// from the LOG_LEVEL environment variable, defaulting to Info.
	Level *slog.Level

	// Text enables human-readable text output instead of JSON.
	// Intended for local development and tests.
	Text bool
}

// Init builds a logger from the config and installs it as the slog
// default. Returns the logger for callers that want to derive child
// loggers via With.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger from the config without touching the slog default.
func New(cfg Config) *slog.Logger {
	level := LevelFromEnv()
	if cfg.Level != nil {
		level = *cfg.Level
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Text {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", cfg.Service),
		})
	}

	return slog.New(handler)
}

// LevelFromEnv parses the LOG_LEVEL environment variable.
//
// Recognized values (case-insensitive): "debug", "info", "warn",
// "warning", "error". Unrecognized or empty values default to Info.
func LevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// ParseLevel converts a level name to a slog.Level.
// Unrecognized values default to Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
