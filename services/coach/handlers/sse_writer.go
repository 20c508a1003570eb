// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// ErrStreamTerminated means a write was attempted after the terminal
// event. The wire contract allows exactly one terminal per stream.
var ErrStreamTerminated = errors.New("stream already terminated")

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing the coach-turn stream.
//
// # Description
//
// SSEWriter abstracts SSE serialization and writing, enabling testability
// and separation from HTTP response mechanics. Events are written as
// data-only frames ("data: {json}\n\n"); keepalives are SSE comments and
// do not count as events.
//
// The writer enforces the stream invariant: zero or more token events,
// then exactly one terminal event (done or error). Any write after the
// terminal returns ErrStreamTerminated.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the heartbeat
// goroutine writes keepalives while the engine writes tokens.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write.
type SSEWriter interface {
	// WriteToken writes one token event.
	WriteToken(event datatypes.TokenEvent) error

	// WriteDone writes the successful terminal event and seals the stream.
	WriteDone(event datatypes.DoneEvent) error

	// WriteError writes the failed terminal event and seals the stream.
	//
	// The message must already be sanitized; no internal details reach
	// the client.
	WriteError(message string) error

	// WriteKeepAlive sends a comment line (": ping") to hold the
	// connection open through load balancer idle timeouts. Comments are
	// not events and are legal at any point before or after tokens, but
	// not after the terminal event.
	WriteKeepAlive() error

	// Terminated reports whether a terminal event has been written.
	Terminated() bool
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher for immediate send
//   - terminated: Set once a terminal event is written
//   - mu: Mutex for thread-safe writes
//
// # Limitations
//
//   - Cannot be reused across requests.
type sseWriter struct {
	writer     http.ResponseWriter
	flusher    http.Flusher
	terminated bool
	mu         sync.Mutex
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter creates an SSEWriter for the given ResponseWriter.
//
// # Outputs
//
//   - SSEWriter: Ready to write events.
//   - error: Non-nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteToken writes one token event.
func (w *sseWriter) WriteToken(event datatypes.TokenEvent) error {
	event.Type = datatypes.EventTypeToken
	return w.writeFrame(event, false)
}

// WriteDone writes the successful terminal event and seals the stream.
func (w *sseWriter) WriteDone(event datatypes.DoneEvent) error {
	event.Type = datatypes.EventTypeDone
	return w.writeFrame(event, true)
}

// WriteError writes the failed terminal event and seals the stream.
func (w *sseWriter) WriteError(message string) error {
	return w.writeFrame(datatypes.ErrorEvent{
		Type:    datatypes.EventTypeError,
		Message: message,
	}, true)
}

// WriteKeepAlive sends an SSE comment to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return ErrStreamTerminated
	}
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Terminated reports whether a terminal event has been written.
func (w *sseWriter) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

func (w *sseWriter) writeFrame(event any, terminal bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return ErrStreamTerminated
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Data-only SSE frame; the event type rides inside the JSON.
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	if terminal {
		w.terminated = true
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
