// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contextasm assembles the prompt context for a coaching turn.
//
// The facade fans out to independent loaders in parallel and degrades on
// partial failure: a missing pattern summary makes a worse prompt, not a
// failed turn. Discovery mode bypasses enrichment entirely and loads only
// conversation history.
package contextasm

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

var tracer = otel.Tracer("northstar/coach/contextasm")

// =============================================================================
// Loader Interfaces
// =============================================================================

// UserContext is the long-lived profile the coach personalizes against.
type UserContext struct {
	Profile       *datatypes.DiscoveryProfile
	ActiveGoals   []string
	RecentWins    []string
	PreferredTone string
}

// Pattern is one behavioral pattern surfaced by the detector.
type Pattern struct {
	Name       string
	Evidence   string
	Confidence float64
}

// Preferences are per-user coaching style settings.
type Preferences struct {
	Style          string
	ResponseLength string
	Reminders      bool
}

// UserContextLoader fetches the user's coaching profile.
type UserContextLoader interface {
	LoadUserContext(ctx context.Context, userID string) (*UserContext, error)
}

// HistoryLoader fetches recent conversation messages, oldest first.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error)
}

// PatternDetector surfaces behavioral patterns from past sessions.
type PatternDetector interface {
	DetectPatterns(ctx context.Context, userID string) ([]Pattern, error)
}

// PatternSummarizer condenses detected patterns into prompt-ready prose.
type PatternSummarizer interface {
	Summarize(ctx context.Context, patterns []Pattern) (string, error)
}

// PreferenceLoader fetches the user's coaching preferences.
type PreferenceLoader interface {
	LoadPreferences(ctx context.Context, userID string) (*Preferences, error)
}

// =============================================================================
// Assembled Result
// =============================================================================

// TurnContext is everything the prompt builder gets for one turn.
// Any enrichment field may be zero-valued when its loader degraded;
// Degraded lists which ones, for logging and trace attributes.
type TurnContext struct {
	UserContext    *UserContext
	History        []datatypes.Message
	PatternSummary string
	Preferences    *Preferences
	Degraded       []string
}

// =============================================================================
// Facade
// =============================================================================

// Assembler is the context assembly facade.
//
// # Thread Safety
//
// Safe for concurrent use; per-turn state lives on the stack.
type Assembler struct {
	users        UserContextLoader
	history      HistoryLoader
	patterns     PatternDetector
	summarizer   PatternSummarizer
	prefs        PreferenceLoader
	historyLimit int
	timeout      time.Duration
}

// Options tune the assembler.
type Options struct {
	// HistoryLimit caps how many messages are loaded. Default 40.
	HistoryLimit int
	// Timeout bounds the whole fan-out. Default 2s.
	Timeout time.Duration
}

// NewAssembler wires the facade. All loaders are required; the
// constructor panics on nil dependencies so miswiring fails at startup,
// not mid-request.
func NewAssembler(users UserContextLoader, history HistoryLoader, patterns PatternDetector, summarizer PatternSummarizer, prefs PreferenceLoader, opts Options) *Assembler {
	if users == nil || history == nil || patterns == nil || summarizer == nil || prefs == nil {
		panic("contextasm: NewAssembler requires all loaders")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 40
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Assembler{
		users:        users,
		history:      history,
		patterns:     patterns,
		summarizer:   summarizer,
		prefs:        prefs,
		historyLimit: opts.HistoryLimit,
		timeout:      opts.Timeout,
	}
}

// Assemble builds the turn context.
//
// # Description
//
// Coaching mode fans out to all five loaders in parallel under a shared
// deadline. Each task catches its own failure and writes a zero value;
// no single loader can abort the turn. Discovery mode loads history only
// and skips enrichment, keeping onboarding turns cheap.
//
// # Outputs
//
//   - TurnContext: Always usable. Degraded names the loaders that failed.
//   - error: Non-nil only when the parent context is already dead.
func (a *Assembler) Assemble(ctx context.Context, userID, conversationID string, mode datatypes.SessionMode) (TurnContext, error) {
	if err := ctx.Err(); err != nil {
		return TurnContext{}, err
	}

	ctx, span := tracer.Start(ctx, "contextasm.Assemble")
	defer span.End()
	span.SetAttributes(attribute.String("session.mode", string(mode)))

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var tc TurnContext

	if mode == datatypes.SessionModeDiscovery {
		history, err := a.history.LoadHistory(ctx, conversationID, a.historyLimit)
		if err != nil {
			slog.Warn("History load degraded", "conversation_id", conversationID, "error", err)
			tc.Degraded = append(tc.Degraded, "history")
		} else {
			tc.History = history
		}
		return tc, nil
	}

	// degraded collects failures from the fan-out goroutines; appended
	// only after g.Wait so no mutex is needed.
	type failure struct{ name string }
	failures := make(chan failure, 4)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		uc, err := a.users.LoadUserContext(gctx, userID)
		if err != nil {
			slog.Warn("User context load degraded", "user_id", userID, "error", err)
			failures <- failure{"user_context"}
			return nil
		}
		tc.UserContext = uc
		return nil
	})

	g.Go(func() error {
		history, err := a.history.LoadHistory(gctx, conversationID, a.historyLimit)
		if err != nil {
			slog.Warn("History load degraded", "conversation_id", conversationID, "error", err)
			failures <- failure{"history"}
			return nil
		}
		tc.History = history
		return nil
	})

	g.Go(func() error {
		// The summarizer depends on the detector's output, so the pair
		// runs as one sequential task inside the fan-out.
		patterns, err := a.patterns.DetectPatterns(gctx, userID)
		if err != nil {
			slog.Warn("Pattern detection degraded", "user_id", userID, "error", err)
			failures <- failure{"patterns"}
			return nil
		}
		if len(patterns) == 0 {
			return nil
		}
		summary, err := a.summarizer.Summarize(gctx, patterns)
		if err != nil {
			slog.Warn("Pattern summarization degraded", "user_id", userID, "error", err)
			failures <- failure{"pattern_summary"}
			return nil
		}
		tc.PatternSummary = summary
		return nil
	})

	g.Go(func() error {
		prefs, err := a.prefs.LoadPreferences(gctx, userID)
		if err != nil {
			slog.Warn("Preference load degraded", "user_id", userID, "error", err)
			failures <- failure{"preferences"}
			return nil
		}
		tc.Preferences = prefs
		return nil
	})

	// Tasks swallow their own errors, so Wait only fails on a dead
	// context.
	_ = g.Wait()
	close(failures)
	for f := range failures {
		tc.Degraded = append(tc.Degraded, f.name)
	}

	span.SetAttributes(attribute.Int("context.degraded_count", len(tc.Degraded)))
	return tc, nil
}
