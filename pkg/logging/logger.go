// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for Northstar services.
//
// Built on the standard slog package: JSON to stdout by default (the
// shape log collectors expect), optionally duplicated to a file for
// deployments without a log shipper.
//
// # Basic Usage
//
//	closeLogs, err := logging.Setup(logging.FromEnv())
//	if err != nil {
//	    log.Fatalf("logging setup failed: %v", err)
//	}
//	defer closeLogs()
//	slog.Info("starting coach service", "port", port)
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config selects log verbosity and destinations.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// FilePath, when set, duplicates output to a JSON log file. Parent
	// directories are created as needed.
	FilePath string
}

// FromEnv builds a Config from COACH_LOG_LEVEL and COACH_LOG_FILE.
func FromEnv() Config {
	return Config{
		Level:    os.Getenv("COACH_LOG_LEVEL"),
		FilePath: os.Getenv("COACH_LOG_FILE"),
	}
}

// Setup builds the process logger and installs it as the slog default.
//
// # Outputs
//
//   - func() error: Closes the log file, if one was opened. Call once
//     at shutdown.
//   - error: Log file creation failure. stdout logging alone cannot fail.
func Setup(cfg Config) (func() error, error) {
	level := ParseLevel(cfg.Level)
	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}
	closer := func() error { return nil }

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
		closer = file.Close
	}

	var handler slog.Handler = handlers[0]
	if len(handlers) > 1 {
		handler = &multiHandler{handlers: handlers}
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Multi-Destination Handler
// =============================================================================

// multiHandler fans each record out to every destination. One failing
// destination does not block the others.
type multiHandler struct {
	handlers []slog.Handler
}

var _ slog.Handler = (*multiHandler)(nil)

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
