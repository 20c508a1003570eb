// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/northstarhq/northstar/services/coach/datatypes"
	"github.com/northstarhq/northstar/services/coach/engine"
	"github.com/northstarhq/northstar/services/coach/router"
	"github.com/northstarhq/northstar/services/coach/sideeffects"
)

// ErrEmptyDraft means the model produced no visible text. The turn must
// end with an error event, never a persisted empty message.
var ErrEmptyDraft = errors.New("generation produced an empty draft")

// Config tunes completion behavior.
type Config struct {
	// MaxDiscoveryUserTurns is the hard limit of user turns in discovery
	// mode. Reaching it forces discovery completion with an empty
	// profile, so a meandering onboarding cannot run forever.
	MaxDiscoveryUserTurns int `yaml:"max_discovery_user_turns"`
}

// DefaultConfig returns the production completion settings.
func DefaultConfig() Config {
	return Config{MaxDiscoveryUserTurns: 17}
}

// Input carries everything Finalize needs about the finished turn.
type Input struct {
	Session   datatypes.StreamSession
	UserState datatypes.UserState
	RequestID string
	Selection router.Selection
	Result    engine.TurnResult
}

// Handler finalizes successful generations.
//
// # Thread Safety
//
// Safe for concurrent use.
type Handler struct {
	messages MessageStore
	profiles ProfileStore
	users    UserStore
	usage    UsageRecorder
	notifier Notifier
	queue    *sideeffects.Queue
	cfg      Config
	now      func() time.Time
}

// NewHandler wires the completion handler. All stores and the queue are
// required; notifier may be nil (side effects become no-ops).
func NewHandler(messages MessageStore, profiles ProfileStore, users UserStore, usage UsageRecorder, notifier Notifier, queue *sideeffects.Queue, cfg Config) *Handler {
	if messages == nil || profiles == nil || users == nil || usage == nil || queue == nil {
		panic("completion: NewHandler requires stores and a queue")
	}
	if cfg.MaxDiscoveryUserTurns <= 0 {
		cfg.MaxDiscoveryUserTurns = 17
	}
	return &Handler{
		messages: messages,
		profiles: profiles,
		users:    users,
		usage:    usage,
		notifier: notifier,
		queue:    queue,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Finalize persists the turn and assembles the done event.
//
// # Description
//
// Ordering matters: the draft is validated first (an empty draft aborts
// with ErrEmptyDraft before anything is written), then the assistant
// message is persisted, then discovery state is resolved, then usage is
// logged and side effects queued. Only persistence of the message itself
// can fail the turn; everything after it degrades to a log line so the
// client still gets its done event.
//
// # Outputs
//
//   - datatypes.DoneEvent: Ready to emit. Exactly one per turn.
//   - error: ErrEmptyDraft or a message persistence failure.
func (h *Handler) Finalize(ctx context.Context, in Input) (datatypes.DoneEvent, error) {
	draft := strings.TrimSpace(in.Result.VisibleContent)
	if draft == "" {
		return datatypes.DoneEvent{}, ErrEmptyDraft
	}

	messageID := uuid.NewString()
	msg := AssistantMessage{
		MessageID:      messageID,
		ConversationID: in.Session.ConversationID,
		UserID:         in.Session.UserID,
		Content:        in.Result.VisibleContent,
		MemoryMoment:   in.Result.Flags.MemoryMoment,
		PatternInsight: in.Result.Flags.PatternInsight,
		CrisisDetected: in.Session.CrisisDetected,
		CreatedAt:      h.now(),
	}
	if err := h.messages.SaveAssistantMessage(ctx, msg); err != nil {
		return datatypes.DoneEvent{}, fmt.Errorf("persist assistant message: %w", err)
	}

	discoveryComplete, profileSaved, profile := h.resolveDiscovery(ctx, in)

	h.recordUsage(ctx, in)
	h.queueSideEffects(in, discoveryComplete)

	return datatypes.DoneEvent{
		Type:           datatypes.EventTypeDone,
		MessageID:      messageID,
		Usage:          datatypes.UsageInfo{PromptTokens: in.Result.Usage.PromptTokens, CompletionTokens: in.Result.Usage.CompletionTokens, TotalTokens: in.Result.Usage.TotalTokens},
		Domain:         in.Session.Domain,
		CrisisDetected: in.Session.CrisisDetected,
		ReflectionOffered: in.Result.Flags.ReflectionOffered,
		// Accepted only on an explicit acceptance marker this turn;
		// everything else (offered, declined, silence) stays false.
		ReflectionAccepted:    in.Result.Flags.ReflectionAccepted,
		DiscoveryComplete:     discoveryComplete,
		DiscoveryProfileSaved: profileSaved,
		DiscoveryProfile:      profile,
	}, nil
}

// resolveDiscovery handles both the model-signaled and the forced
// completion paths.
func (h *Handler) resolveDiscovery(ctx context.Context, in Input) (complete bool, saved bool, profile *datatypes.DiscoveryProfile) {
	signaled := in.Result.DiscoveryComplete
	forced := in.Session.Mode == datatypes.SessionModeDiscovery &&
		!signaled &&
		in.UserState.UserMessageCount >= h.cfg.MaxDiscoveryUserTurns

	if !signaled && !forced {
		return false, false, nil
	}

	if forced {
		slog.Info("Forcing discovery completion at turn limit",
			"user_id", in.Session.UserID,
			"user_turns", in.UserState.UserMessageCount,
			"limit", h.cfg.MaxDiscoveryUserTurns)
	}

	if signaled {
		profile = ParseDiscoveryProfile(in.Result.DiscoveryBlock)
	}
	if forced {
		// The model never produced a profile block, so the user gets an
		// empty one: coaching starts with defaults instead of stalling
		// in discovery forever.
		profile = &datatypes.DiscoveryProfile{}
	}

	if profile != nil {
		version, err := h.profiles.UpsertProfile(ctx, in.Session.UserID, profile)
		if err != nil {
			slog.Error("Discovery profile upsert failed", "user_id", in.Session.UserID, "error", err)
			profile = nil
		} else {
			profile.ContextVersion = version
			saved = true
		}
	}

	if err := h.users.MarkDiscoveryComplete(ctx, in.Session.UserID, h.now()); err != nil {
		// The flag write is retried on the next turn via forced
		// completion, so report completion to the client anyway.
		slog.Error("Marking discovery complete failed", "user_id", in.Session.UserID, "error", err)
	}

	return true, saved, profile
}

func (h *Handler) recordUsage(ctx context.Context, in Input) {
	entry := UsageEntry{
		RequestID:        in.RequestID,
		UserID:           in.Session.UserID,
		ConversationID:   in.Session.ConversationID,
		Provider:         in.Selection.Provider,
		Model:            in.Selection.Model,
		Tier:             in.Selection.Tier,
		PromptTokens:     in.Result.Usage.PromptTokens,
		CompletionTokens: in.Result.Usage.CompletionTokens,
		TotalTokens:      in.Result.Usage.TotalTokens,
		CostUSD:          CostUSD(in.Selection.Model, in.Result.Usage),
		GuardRewritten:   in.Result.GuardRewritten,
		RecordedAt:       h.now(),
	}
	if err := h.usage.Record(ctx, entry); err != nil {
		slog.Error("Usage record failed", "request_id", in.RequestID, "error", err)
	}
	slog.Info("Turn usage",
		"request_id", in.RequestID,
		"model", entry.Model,
		"tier", entry.Tier,
		"total_tokens", entry.TotalTokens,
		"cost_usd", entry.CostUSD,
		"guard_rewritten", entry.GuardRewritten)
}

// queueSideEffects enqueues post-turn touches. Drops and failures are
// logged inside the queue; nothing here can fail the turn.
func (h *Handler) queueSideEffects(in Input, discoveryComplete bool) {
	if h.notifier == nil {
		return
	}
	userID := in.Session.UserID

	if discoveryComplete {
		h.queue.Submit(sideeffects.Task{
			Name: "push.discovery_complete",
			Run: func(ctx context.Context) error {
				return h.notifier.SendPush(ctx, userID, "discovery_complete")
			},
		})
	}
	if in.Result.Flags.MemoryMoment {
		h.queue.Submit(sideeffects.Task{
			Name: "push.memory_moment",
			Run: func(ctx context.Context) error {
				return h.notifier.SendPush(ctx, userID, "memory_moment")
			},
		})
	}
	if in.Result.Flags.ReflectionOffered {
		remindAt := h.now().Add(24 * time.Hour)
		h.queue.Submit(sideeffects.Task{
			Name: "reminder.reflection",
			Run: func(ctx context.Context) error {
				return h.notifier.ScheduleReminder(ctx, userID, remindAt)
			},
		})
	}
}
