// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// =============================================================================
// STREAMING COACH TURN MODULE
// =============================================================================
//
// This module implements the SSE endpoint for one coaching turn. The wire
// contract is fixed: zero or more token events, then exactly one terminal
// event (done or error). Everything that can reject the turn (validation,
// ownership, session mode, quota) does so with a plain JSON status code
// BEFORE the stream opens; once SSE headers are written, failures surface
// as an error event.
//
// Pipeline order matters and is numbered in HandleCoachStream:
//
//	auth -> validate -> ownership -> user state -> session mode ->
//	quota gate -> persist user message -> crisis screen ->
//	context assembly -> routing + budget -> guard decision ->
//	SSE stream -> completion -> done event
//
// # Related Files
//
// - services/coach/engine/engine.go       - generation state machine
// - services/coach/completion/handler.go  - post-turn persistence
// - pkg/streamclient/client.go            - the consuming client
//
// =============================================================================

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/northstarhq/northstar/services/coach/completion"
	"github.com/northstarhq/northstar/services/coach/config"
	"github.com/northstarhq/northstar/services/coach/contextasm"
	"github.com/northstarhq/northstar/services/coach/crisis"
	"github.com/northstarhq/northstar/services/coach/datatypes"
	"github.com/northstarhq/northstar/services/coach/engine"
	"github.com/northstarhq/northstar/services/coach/humanfeel"
	"github.com/northstarhq/northstar/services/coach/middleware"
	"github.com/northstarhq/northstar/services/coach/observability"
	"github.com/northstarhq/northstar/services/coach/quota"
	"github.com/northstarhq/northstar/services/coach/router"
	"github.com/northstarhq/northstar/services/coach/session"
	"github.com/northstarhq/northstar/services/coach/storage"
	"github.com/northstarhq/northstar/services/llm"
)

var tracer = otel.Tracer("northstar/coach/handlers")

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval keeps the connection alive through load balancer
	// idle timeouts. 15s stays well under the usual 60s ALB/Nginx default.
	heartbeatInterval = 15 * time.Second

	// recentWindow is how many trailing messages feed the crisis screen,
	// the high-stakes keyword match, and the repeated-opener check.
	recentWindow = 6
)

// Client-facing error copy. Warm and non-technical; internal detail stays
// in the logs.
const (
	errMsgGeneration = "I hit a snag composing that. Give me another try in a moment."
	errMsgEmptyDraft = "I lost my train of thought there. Please send that again."
	errMsgInternal   = "Something went wrong on our side. Please try again."
)

// openingInstruction stands in for the user message on first_message
// turns, where the coach speaks before the user has typed anything.
const openingInstruction = "Open the conversation with a warm, specific first message."

// =============================================================================
// Handler
// =============================================================================

// CoachStreamHandler serves POST /v1/coach/stream.
//
// # Thread Safety
//
// Safe for concurrent use. Per-turn state lives on the stack; the policy
// is re-read from the config manager on every request so hot reloads take
// effect without a restart.
type CoachStreamHandler struct {
	cfg       *config.Manager
	store     *storage.Store
	gate      quota.Gate
	detector  crisis.Detector
	assembler *contextasm.Assembler
	engine    *engine.Engine
	registry  *llm.Registry
	completer *completion.Handler
	metrics   *observability.CoachMetrics
}

// NewCoachStreamHandler wires the streaming handler. All dependencies are
// required; the constructor panics on nil so miswiring fails at startup.
func NewCoachStreamHandler(
	cfg *config.Manager,
	store *storage.Store,
	gate quota.Gate,
	detector crisis.Detector,
	assembler *contextasm.Assembler,
	eng *engine.Engine,
	registry *llm.Registry,
	completer *completion.Handler,
	metrics *observability.CoachMetrics,
) *CoachStreamHandler {
	if cfg == nil || store == nil || gate == nil || detector == nil ||
		assembler == nil || eng == nil || registry == nil || completer == nil || metrics == nil {
		panic("handlers: NewCoachStreamHandler requires all dependencies")
	}
	return &CoachStreamHandler{
		cfg:       cfg,
		store:     store,
		gate:      gate,
		detector:  detector,
		assembler: assembler,
		engine:    eng,
		registry:  registry,
		completer: completer,
		metrics:   metrics,
	}
}

// HandleCoachStream runs one coaching turn end to end.
func (h *CoachStreamHandler) HandleCoachStream(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleCoachStream")
	defer span.End()

	pol := h.cfg.Current()

	// Step 0: Get authenticated user from context
	auth := middleware.GetAuthInfo(c)
	if auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	span.SetAttributes(attribute.String("user.id", auth.UserID))

	// Step 1: Parse request body
	var req datatypes.CoachTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed request body"})
		return
	}

	// Step 2: Validate request
	if err := req.Validate(); err != nil {
		h.metrics.RecordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("conversation.id", req.ConversationID),
		attribute.Bool("request.first_message", req.FirstMessage),
	)

	// Step 3: Conversation ownership check. Someone else's conversation
	// reads as not found, so the status never confirms it exists.
	if err := h.store.EnsureConversation(ctx, req.ConversationID, auth.UserID); err != nil {
		if errors.Is(err, storage.ErrNotOwner) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation_not_found", "message": "conversation not found"})
			return
		}
		h.failInternal(c, span, "conversation check failed", err)
		return
	}

	// Step 4: Load user state (fresh every turn; subscription can change
	// between turns)
	state, err := h.store.GetUserState(ctx, auth.UserID, req.ConversationID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
			return
		}
		h.failInternal(c, span, "user state load failed", err)
		return
	}

	// Step 5: Resolve session mode
	mode := session.Resolve(state.SubscriptionStatus, state.DiscoveryCompletedAt)
	span.SetAttributes(attribute.String("session.mode", string(mode)))
	if mode == datatypes.SessionModeBlocked {
		h.metrics.RecordError(observability.ErrorCodeSubscriptionRequired)
		c.JSON(http.StatusForbidden, datatypes.SubscriptionRequiredResponse{
			Error:              "subscription_required",
			DiscoveryCompleted: state.DiscoveryCompletedAt != nil,
		})
		return
	}

	// Step 6: Quota gate. Skipped on first_message turns: the coach is
	// speaking first, the user hasn't spent anything yet.
	if !req.FirstMessage {
		result, err := h.gate.CheckAndIncrement(ctx, auth.UserID, state.SubscriptionStatus, req.RequestID)
		if err != nil {
			h.failInternal(c, span, "quota check failed", err)
			return
		}
		if !result.Allowed {
			h.metrics.RecordQuotaDenial(result.IsTrial)
			h.metrics.RecordError(observability.ErrorCodeRateLimited)
			c.JSON(http.StatusTooManyRequests, datatypes.NewRateLimitedResponse(
				quotaDenialMessage(result),
				result.IsTrial, result.ResetDate, result.CurrentCount, result.Limit))
			return
		}
	}

	// Step 7: Persist the user message and count the turn
	if !req.FirstMessage {
		if err := h.store.SaveUserMessage(ctx, req.ConversationID, auth.UserID, req.Message, time.Now()); err != nil {
			h.failInternal(c, span, "user message persist failed", err)
			return
		}
		// GetUserState ran before the save; keep the count current for
		// the forced discovery-completion check downstream.
		state.UserMessageCount++
	}

	// Step 8: Assemble turn context (history always; enrichment in
	// coaching mode only)
	tc, err := h.assembler.Assemble(ctx, auth.UserID, req.ConversationID, mode)
	if err != nil {
		h.failInternal(c, span, "context assembly failed", err)
		return
	}
	recentUser, recentAssistant := splitRecent(tc.History, recentWindow)

	// Step 9: Crisis screen. Runs exactly once per turn, before any
	// routing or generation.
	signal, err := h.detector.Detect(ctx, req.Message, recentUser)
	if err != nil {
		// A dead screen must not block the turn; treat as no signal.
		slog.Error("Crisis screen failed", "request_id", req.RequestID, "error", err)
		signal = crisis.Signal{}
	}
	span.SetAttributes(
		attribute.Bool("crisis.detected", signal.Detected),
		attribute.Float64("crisis.confidence", signal.Confidence),
	)

	sess := datatypes.StreamSession{
		ConversationID:   req.ConversationID,
		UserID:           auth.UserID,
		Mode:             mode,
		Domain:           classifyDomain(req.Message),
		CrisisDetected:   signal.Detected,
		CrisisConfidence: signal.Confidence,
	}

	// Step 10: Route the model and enforce the input budget
	rt := router.New(pol.Router)
	selection := rt.SelectModel(mode, req.Message, recentUser, signal.Detected, signal.Confidence)
	span.SetAttributes(
		attribute.String("route.tier", selection.Tier),
		attribute.String("route.reason", selection.RouteReason),
		attribute.String("llm.model", selection.Model),
	)

	messages := h.buildPrompt(req, sess, tc)
	messages = router.EnforceInputTokenBudget(messages, selection.InputBudgetTokens)

	// Step 11: Human-feel guard decision
	guard := h.resolveGuard(pol, sess, req.Message, recentAssistant)

	// Step 12: Set SSE headers and create writer
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.failInternal(c, span, "sse writer init failed", err)
		return
	}

	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()
	streamStart := time.Now()

	// Step 13: Start heartbeat goroutine to hold the connection open
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go h.heartbeat(writer, stopHeartbeat)

	// Step 14: Stream tokens from the model
	result, err := h.engine.StreamTurn(ctx, engine.TurnInput{
		Session:   sess,
		Messages:  messages,
		Selection: selection,
		Guard:     guard,
	}, writer.WriteToken)

	h.metrics.RecordTokens(result.Usage.PromptTokens, result.Usage.CompletionTokens, selection.Model, selection.Tier)
	if result.FirstTokenLatency > 0 {
		h.metrics.RecordTimeToFirstToken(selection.Tier, result.FirstTokenLatency.Seconds())
	}
	if guard != nil {
		h.recordGuardOutcome(result)
	}

	if err != nil {
		h.finishErrored(c, span, writer, sess, req.RequestID, streamStart, err)
		return
	}

	// Step 15: Finalize the turn (persistence, discovery, usage ledger,
	// side effects)
	done, err := h.completer.Finalize(ctx, completion.Input{
		Session:   sess,
		UserState: state,
		RequestID: req.RequestID,
		Selection: selection,
		Result:    result,
	})
	if err != nil {
		if errors.Is(err, completion.ErrEmptyDraft) {
			h.metrics.RecordError(observability.ErrorCodeEmptyDraft)
			_ = writer.WriteError(errMsgEmptyDraft)
		} else {
			h.metrics.RecordError(observability.ErrorCodeInternal)
			slog.Error("Turn finalization failed", "request_id", req.RequestID, "error", err)
			_ = writer.WriteError(errMsgInternal)
		}
		span.SetStatus(codes.Error, err.Error())
		h.metrics.RecordRequest(string(mode), false)
		h.metrics.RecordStreamDuration(string(mode), time.Since(streamStart).Seconds(), false)
		return
	}

	// Step 16: Emit the done event
	if err := writer.WriteDone(done); err != nil {
		slog.Warn("Done event write failed", "request_id", req.RequestID, "error", err)
	}

	h.metrics.RecordRequest(string(mode), true)
	h.metrics.RecordStreamDuration(string(mode), time.Since(streamStart).Seconds(), true)
	slog.Info("Coach turn completed",
		"request_id", req.RequestID,
		"conversation_id", req.ConversationID,
		"mode", mode,
		"tier", selection.Tier,
		"route_reason", selection.RouteReason,
		"total_tokens", result.Usage.TotalTokens,
		"discovery_complete", done.DiscoveryComplete)
}

// =============================================================================
// Stream Failure Paths
// =============================================================================

// finishErrored classifies a generation failure. Client disconnects are
// counted but produce no error event (nobody is listening); everything
// else ends the stream with a sanitized error event.
func (h *CoachStreamHandler) finishErrored(c *gin.Context, span interface{ SetStatus(codes.Code, string) }, writer SSEWriter, sess datatypes.StreamSession, requestID string, streamStart time.Time, err error) {
	mode := string(sess.Mode)
	if errors.Is(err, context.Canceled) || c.Request.Context().Err() != nil {
		h.metrics.RecordClientDisconnect()
		h.metrics.RecordError(observability.ErrorCodeClientDisconnect)
		slog.Info("Client disconnected mid-stream", "request_id", requestID)
	} else {
		h.metrics.RecordError(observability.ErrorCodeLLMError)
		slog.Error("Generation failed", "request_id", requestID, "error", err)
		_ = writer.WriteError(errMsgGeneration)
	}
	span.SetStatus(codes.Error, err.Error())
	h.metrics.RecordRequest(mode, false)
	h.metrics.RecordStreamDuration(mode, time.Since(streamStart).Seconds(), false)
}

// failInternal is the pre-stream 500 path. Only a generic body reaches
// the client.
func (h *CoachStreamHandler) failInternal(c *gin.Context, span interface{ SetStatus(codes.Code, string) }, msg string, err error) {
	h.metrics.RecordError(observability.ErrorCodeInternal)
	slog.Error(msg, "error", err)
	span.SetStatus(codes.Error, err.Error())
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

// heartbeat writes keepalive comments until the stream terminates.
func (h *CoachStreamHandler) heartbeat(writer SSEWriter, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
			h.metrics.RecordKeepAlive()
		}
	}
}

// =============================================================================
// Prompt Assembly
// =============================================================================

// buildPrompt produces the message list for the model: a mode-specific
// system prompt, recent history, and the current user turn. History
// already ends with the persisted user message on normal turns; a
// first_message turn gets the opening instruction instead.
func (h *CoachStreamHandler) buildPrompt(req datatypes.CoachTurnRequest, sess datatypes.StreamSession, tc contextasm.TurnContext) []datatypes.Message {
	messages := make([]datatypes.Message, 0, len(tc.History)+2)
	messages = append(messages, datatypes.Message{
		Role:    "system",
		Content: buildSystemPrompt(sess, tc),
	})
	messages = append(messages, tc.History...)

	if req.FirstMessage {
		messages = append(messages, datatypes.Message{Role: "user", Content: openingInstruction})
	} else if len(tc.History) == 0 || tc.History[len(tc.History)-1].Content != req.Message {
		// History load can degrade; never stream without the actual
		// question.
		messages = append(messages, datatypes.Message{Role: "user", Content: req.Message})
	}
	return messages
}

// buildSystemPrompt composes the persona, the control-marker protocol,
// and whatever enrichment survived assembly.
func buildSystemPrompt(sess datatypes.StreamSession, tc contextasm.TurnContext) string {
	var b strings.Builder

	if sess.Mode == datatypes.SessionModeDiscovery {
		b.WriteString("You are Northstar, a personal coach meeting a new client. ")
		b.WriteString("Run a discovery conversation: learn their domains, recurring themes, challenges, values, goals, and strengths. ")
		b.WriteString("Ask one question at a time. When you have a confident picture, say a short closing line and then emit a ")
		b.WriteString("[DISCOVERY_COMPLETE]{...json profile...}[/DISCOVERY_COMPLETE] block with keys domains, themes, challenges, values, goals, strengths, preferred_tone, summary.")
	} else {
		b.WriteString("You are Northstar, the client's personal coach. Be direct, warm, and specific; ground advice in what you know about them. ")
		b.WriteString("Mark a durable insight about the client with [MEMORY: short note]. ")
		b.WriteString("Mark a recurring behavioral pattern you just named with [PATTERN: short note]. ")
		b.WriteString("When you invite a written reflection, include [REFLECTION_OFFERED]; acknowledge acceptance with [REFLECTION_ACCEPTED] or a pass with [REFLECTION_DECLINED].")
	}

	if sess.CrisisDetected {
		b.WriteString("\n\nThe client may be in acute distress. Slow down, stay steady and concrete, acknowledge what they said, and share crisis resources (such as the 988 lifeline) without ending the conversation.")
	}

	if uc := tc.UserContext; uc != nil {
		if uc.Profile != nil && uc.Profile.Summary != "" {
			b.WriteString("\n\nClient profile: ")
			b.WriteString(uc.Profile.Summary)
		}
		if len(uc.ActiveGoals) > 0 {
			b.WriteString("\nActive goals: ")
			b.WriteString(strings.Join(uc.ActiveGoals, "; "))
		}
		if uc.PreferredTone != "" {
			b.WriteString("\nPreferred tone: ")
			b.WriteString(uc.PreferredTone)
		}
	}
	if tc.PatternSummary != "" {
		b.WriteString("\n\nObserved patterns: ")
		b.WriteString(tc.PatternSummary)
	}
	if p := tc.Preferences; p != nil {
		if p.Style != "" {
			b.WriteString("\nCoaching style preference: ")
			b.WriteString(p.Style)
		}
		if p.ResponseLength != "" {
			b.WriteString("\nResponse length preference: ")
			b.WriteString(p.ResponseLength)
		}
	}
	return b.String()
}

// =============================================================================
// Helper Functions
// =============================================================================

// resolveGuard builds the per-turn draft guard, or nil when the guard
// should not run this turn.
func (h *CoachStreamHandler) resolveGuard(pol *config.Config, sess datatypes.StreamSession, userMessage string, recentAssistant []string) engine.DraftGuard {
	if !pol.Guard.Enabled {
		return nil
	}
	rewriteProvider := pol.Router.Primary.Provider
	rewriter, err := h.registry.Client(rewriteProvider)
	if err != nil {
		slog.Warn("Guard rewriter provider unavailable, guard disabled for turn", "provider", rewriteProvider)
		return nil
	}
	g := humanfeel.New(pol.Guard, rewriter)
	if !g.ShouldApply(sess.Mode, sess.CrisisDetected, false, userMessage, recentAssistant) {
		return nil
	}
	return humanfeel.NewProcessor(g, recentAssistant)
}

func (h *CoachStreamHandler) recordGuardOutcome(result engine.TurnResult) {
	switch {
	case result.GuardRewritten:
		h.metrics.RecordGuardOutcome("rewritten")
	default:
		h.metrics.RecordGuardOutcome("passed")
	}
}

// splitRecent returns the trailing user and assistant messages from the
// history, oldest first, capped at limit each.
func splitRecent(history []datatypes.Message, limit int) (user []string, assistant []string) {
	for _, m := range history {
		switch m.Role {
		case "user":
			user = append(user, m.Content)
		case "assistant":
			assistant = append(assistant, m.Content)
		}
	}
	if len(user) > limit {
		user = user[len(user)-limit:]
	}
	if len(assistant) > limit {
		assistant = assistant[len(assistant)-limit:]
	}
	return user, assistant
}

// quotaDenialMessage renders plan-appropriate 429 copy.
func quotaDenialMessage(r quota.Result) string {
	if r.IsTrial {
		return fmt.Sprintf("You've used your %d trial messages for today. Your allowance resets at midnight UTC, or upgrade for more.", r.Limit)
	}
	return fmt.Sprintf("You've reached your %d messages for this billing period.", r.Limit)
}

// classifyDomain tags the turn with a coarse coaching domain for the done
// event and analytics. Heuristic on purpose; "general" is a fine answer.
func classifyDomain(message string) string {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "job", "boss", "career", "promotion", "work", "interview", "coworker"):
		return "career"
	case containsAny(lower, "partner", "wife", "husband", "relationship", "friend", "family", "marriage"):
		return "relationships"
	case containsAny(lower, "sleep", "exercise", "diet", "health", "energy", "workout"):
		return "health"
	case containsAny(lower, "money", "budget", "debt", "savings", "spending", "finances"):
		return "finances"
	default:
		return "general"
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
