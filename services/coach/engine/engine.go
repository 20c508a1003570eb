// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine drives one model generation through the streaming state
// machine: idle -> streaming -> {completed | errored | guarded-rewrite}.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/northstarhq/northstar/services/coach/datatypes"
	"github.com/northstarhq/northstar/services/coach/router"
	"github.com/northstarhq/northstar/services/llm"
)

var tracer = otel.Tracer("northstar/coach/engine")

// State is the generation lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateStreaming      State = "streaming"
	StateCompleted      State = "completed"
	StateErrored        State = "errored"
	StateGuardedRewrite State = "guarded-rewrite"
)

// Emitter delivers one token event to the client. Returning an error
// aborts the generation (client gone).
type Emitter func(ev datatypes.TokenEvent) error

// DraftGuard post-processes a complete draft before the client sees it.
// Implementations must be timeout-bounded and fall back to the draft on
// any failure.
type DraftGuard interface {
	Process(ctx context.Context, draft string) (final string, usage llm.Usage, rewritten bool)
}

// TurnInput is everything the engine needs for one generation.
type TurnInput struct {
	Session   datatypes.StreamSession
	Messages  []datatypes.Message // budget-enforced prompt, oldest first
	Selection router.Selection

	// Guard, when non-nil, buffers the stream and runs the draft through
	// a rewrite pass before anything reaches the client.
	Guard DraftGuard
}

// TurnResult is the engine's account of a finished generation.
type TurnResult struct {
	State          State
	RawContent     string // full model output, tags included
	VisibleContent string // what the client was shown
	Flags          Flags
	DiscoveryBlock    string
	DiscoveryComplete bool
	Usage             llm.Usage
	GuardRewritten    bool
	FirstTokenLatency time.Duration
}

// Engine turns routed selections into token streams.
type Engine struct {
	registry *llm.Registry
}

// New creates an engine over a provider registry.
func New(registry *llm.Registry) *Engine {
	if registry == nil {
		panic("engine: New requires a provider registry")
	}
	return &Engine{registry: registry}
}

// StreamTurn runs one generation.
//
// # Description
//
// Streams provider chunks through the tag scanner and emits a token
// event for every non-empty visible delta. When a guard is present the
// visible stream is buffered instead: the complete draft goes through
// the guard once, and the final text is emitted as a single token event.
// Either way the client observes only visible prose, never tag
// fragments or discovery block content.
//
// Crisis detection happened before this call; the engine only carries
// the session's flag into the emitted events.
//
// # Outputs
//
//   - TurnResult: Populated on success and on guard fallback. On error
//     its State is StateErrored and VisibleContent holds whatever was
//     already emitted.
//   - error: Provider or emitter failure. Emitter errors wrap the
//     emitter's error so the handler can classify disconnects.
func (e *Engine) StreamTurn(ctx context.Context, input TurnInput, emit Emitter) (TurnResult, error) {
	ctx, span := tracer.Start(ctx, "engine.StreamTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", input.Selection.Provider),
		attribute.String("llm.model", input.Selection.Model),
		attribute.String("route.tier", input.Selection.Tier),
	)

	result := TurnResult{State: StateIdle}

	client, err := e.registry.Client(input.Selection.Provider)
	if err != nil {
		result.State = StateErrored
		return result, err
	}

	params := llm.GenerationParams{Model: input.Selection.Model}
	if input.Selection.MaxOutputTokens > 0 {
		maxTokens := input.Selection.MaxOutputTokens
		params.MaxTokens = &maxTokens
	}
	temp := input.Selection.Temperature
	params.Temperature = &temp

	scanner := NewScanner()
	buffering := input.Guard != nil
	result.State = StateStreaming
	start := time.Now()
	firstToken := false
	var raw strings.Builder

	callback := func(delta string) error {
		raw.WriteString(delta)
		visible := scanner.Append(delta)
		if visible == "" {
			return nil
		}
		if !firstToken {
			firstToken = true
			result.FirstTokenLatency = time.Since(start)
		}
		if buffering {
			return nil
		}
		return emit(e.tokenEvent(input.Session, scanner, visible))
	}

	usage, err := client.ChatStream(ctx, input.Messages, params, callback)
	result.Usage = usage
	if err != nil {
		result.State = StateErrored
		result.VisibleContent = scanner.VisibleContent()
		slog.Error("Generation stream failed",
			"conversation_id", input.Session.ConversationID,
			"provider", input.Selection.Provider,
			"error", err)
		return result, fmt.Errorf("generation failed: %w", err)
	}

	if tail := scanner.Flush(); tail != "" && !buffering {
		if err := emit(e.tokenEvent(input.Session, scanner, tail)); err != nil {
			result.State = StateErrored
			result.VisibleContent = scanner.VisibleContent()
			return result, err
		}
	}

	result.Flags = scanner.Flags()
	result.RawContent = raw.String()
	result.DiscoveryBlock, result.DiscoveryComplete = scanner.DiscoveryBlock()

	visible := scanner.VisibleContent()

	if buffering {
		result.State = StateGuardedRewrite
		final, guardUsage, rewritten := input.Guard.Process(ctx, visible)
		result.Usage = result.Usage.Add(guardUsage)
		result.GuardRewritten = rewritten
		visible = final
		if visible != "" {
			if err := emit(e.tokenEvent(input.Session, scanner, visible)); err != nil {
				result.State = StateErrored
				result.VisibleContent = ""
				return result, err
			}
		}
	}

	result.VisibleContent = visible
	result.State = StateCompleted
	span.SetAttributes(
		attribute.Int("llm.raw_bytes", raw.Len()),
		attribute.Bool("guard.rewritten", result.GuardRewritten),
	)
	return result, nil
}

func (e *Engine) tokenEvent(session datatypes.StreamSession, scanner *Scanner, content string) datatypes.TokenEvent {
	flags := scanner.Flags()
	return datatypes.TokenEvent{
		Type:              datatypes.EventTypeToken,
		Content:           content,
		MemoryMoment:      flags.MemoryMoment,
		PatternInsight:    flags.PatternInsight,
		CrisisDetected:    session.CrisisDetected,
		ReflectionOffered: flags.ReflectionOffered,
	}
}
