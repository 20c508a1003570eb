// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the provider abstraction for text generation.
//
// The coach pipeline never talks to a provider SDK directly: the model
// router picks a provider/model pair per turn and the generation engine
// drives the stream through the LLMClient interface. This keeps the
// pipeline unit-testable with mock clients.
package llm

import (
	"context"
	"fmt"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// GenerationParams tunes a single generation call. Nil pointer fields
// mean "provider default".
type GenerationParams struct {
	Model       string   `json:"model"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add sums usage across calls. The human-feel guard reports one combined
// total for both passes of a rewritten turn.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// StreamCallback receives one content delta per provider chunk, in
// generation order. Returning an error aborts the stream (used on client
// disconnect).
type StreamCallback func(delta string) error

// LLMClient defines the standard interface for any LLM backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one client instance
// serves all in-flight turns for its provider.
type LLMClient interface {
	// Generate produces a complete response for a single prompt. Used by
	// low-volume auxiliary calls (the human-feel rewrite pass).
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error)

	// ChatStream streams a conversation response and returns the final
	// usage once the provider reports completion. The callback is invoked
	// on the calling goroutine; implementations must not call it after
	// ChatStream returns.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) (Usage, error)
}

// =============================================================================
// Provider Registry
// =============================================================================

// Registry maps router provider names to clients. Populated once at
// startup; read-only afterwards.
type Registry struct {
	clients map[string]LLMClient
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]LLMClient)}
}

// Register adds or replaces the client for a provider name.
func (r *Registry) Register(provider string, client LLMClient) {
	r.clients[provider] = client
}

// Client returns the client for a provider name.
func (r *Registry) Client(provider string) (LLMClient, error) {
	client, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("no LLM client registered for provider %q", provider)
	}
	return client, nil
}
