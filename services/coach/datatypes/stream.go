// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the SSE wire contract for the coach-turn stream and
// the structured bodies for non-200 responses.
//
// A stream is zero or more token events followed by exactly one terminal
// event (done XOR error). Nothing is written after the terminal event;
// the SSE writer enforces this.
package datatypes

import "time"

// =============================================================================
// Event Type Tags
// =============================================================================

const (
	EventTypeToken = "token"
	EventTypeDone  = "done"
	EventTypeError = "error"
)

// =============================================================================
// Stream Events
// =============================================================================

// TokenEvent carries one visible content delta plus the marker flags
// accumulated so far this turn.
//
// Wire format:
//
//	data: {"type":"token","content":"...","memory_moment":false,...}
type TokenEvent struct {
	Type              string `json:"type"`
	Content           string `json:"content"`
	MemoryMoment      bool   `json:"memory_moment"`
	PatternInsight    bool   `json:"pattern_insight"`
	CrisisDetected    bool   `json:"crisis_detected"`
	ReflectionOffered bool   `json:"reflection_offered"`
}

// UsageInfo reports token accounting for the whole turn. When the
// human-feel guard ran a rewrite pass, both passes are summed here.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DoneEvent is the successful terminal event for a turn.
type DoneEvent struct {
	Type                  string            `json:"type"`
	MessageID             string            `json:"message_id"`
	Usage                 UsageInfo         `json:"usage"`
	Domain                string            `json:"domain"`
	CrisisDetected        bool              `json:"crisis_detected"`
	ReflectionOffered     bool              `json:"reflection_offered"`
	ReflectionAccepted    bool              `json:"reflection_accepted"`
	DiscoveryComplete     bool              `json:"discovery_complete"`
	DiscoveryProfileSaved bool              `json:"discovery_profile_saved"`
	DiscoveryProfile      *DiscoveryProfile `json:"discovery_profile,omitempty"`
}

// ErrorEvent is the failed terminal event. Message is sanitized: warm,
// non-technical, never internal detail.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Non-200 Response Bodies
// =============================================================================

// RateLimitedResponse is the 429 body. It carries enough state for the
// client to render differentiated trial-vs-subscriber messaging.
type RateLimitedResponse struct {
	Error               string  `json:"error"` // always "rate_limited"
	Message             string  `json:"message"`
	IsTrial             bool    `json:"is_trial"`
	RemainingUntilReset *string `json:"remaining_until_reset"` // ISO 8601 or null
	CurrentCount        int     `json:"current_count"`
	Limit               int     `json:"limit"`
}

// NewRateLimitedResponse builds the 429 body from ledger state.
func NewRateLimitedResponse(message string, isTrial bool, resetDate time.Time, current, limit int) RateLimitedResponse {
	var remaining *string
	if !resetDate.IsZero() {
		s := resetDate.UTC().Format(time.RFC3339)
		remaining = &s
	}
	return RateLimitedResponse{
		Error:               "rate_limited",
		Message:             message,
		IsTrial:             isTrial,
		RemainingUntilReset: remaining,
		CurrentCount:        current,
		Limit:               limit,
	}
}

// SubscriptionRequiredResponse is the 403 body for users who finished
// discovery but have no active plan.
type SubscriptionRequiredResponse struct {
	Error              string `json:"error"` // always "subscription_required"
	DiscoveryCompleted bool   `json:"discovery_completed"`
}
