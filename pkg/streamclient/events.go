// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package streamclient consumes the coach-turn SSE stream.
//
// It is the reference client for POST /v1/coach/stream: token events are
// delivered as they arrive, the terminal event ends consumption, and
// transient failures before any data arrived are retried once.
package streamclient

import (
	"fmt"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// Callbacks receive stream events as they arrive. Any callback may be
// nil; events without a callback are dropped.
//
// Callbacks are invoked on the StreamTurn goroutine, in wire order.
type Callbacks struct {
	// OnToken receives each visible content delta.
	OnToken func(datatypes.TokenEvent)

	// OnDone receives the successful terminal event.
	OnDone func(datatypes.DoneEvent)

	// OnError receives the failed terminal event. This is the server
	// ending the turn gracefully, not a transport failure; StreamTurn
	// still returns nil.
	OnError func(datatypes.ErrorEvent)
}

// =============================================================================
// Typed HTTP Errors
// =============================================================================

// RateLimitError is returned for a 429 with the structured quota body.
type RateLimitError struct {
	datatypes.RateLimitedResponse
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %d/%d messages used", e.CurrentCount, e.Limit)
}

// SubscriptionRequiredError is returned for a 403 with the structured
// subscription body.
type SubscriptionRequiredError struct {
	datatypes.SubscriptionRequiredResponse
}

func (e *SubscriptionRequiredError) Error() string {
	return "subscription required"
}

// HTTPError is returned for any other non-200 response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}
