// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package humanfeel screens drafts for robotic coaching-speak and runs a
// single bounded rewrite pass when a draft fails.
//
// The guard is best-effort by construction: a failed or slow rewrite
// falls back to the original draft, never to an error. A worse answer
// beats no answer.
package humanfeel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/northstarhq/northstar/services/coach/datatypes"
	"github.com/northstarhq/northstar/services/llm"
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the guard.
type Config struct {
	// Enabled is the kill switch. Off means ShouldApply is always false.
	Enabled bool `yaml:"enabled"`

	// ForceApply screens every eligible turn regardless of complaint or
	// repeated-opener signals. Mode and crisis gating still apply.
	ForceApply bool `yaml:"force_apply"`

	// RewriteTimeout bounds the rewrite model call. Default 600ms.
	RewriteTimeout time.Duration `yaml:"rewrite_timeout"`

	// OpenerWords is how many leading words form the opener signature.
	// Default 4.
	OpenerWords int `yaml:"opener_words"`

	// BoilerplatePhrases override the built-in empathy blacklist when
	// non-empty.
	BoilerplatePhrases []string `yaml:"boilerplate_phrases"`

	// RewriteModel names the model used for the rewrite pass.
	RewriteModel string `yaml:"rewrite_model"`
}

// DefaultConfig returns the production guard settings.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RewriteTimeout: 600 * time.Millisecond,
		OpenerWords:    4,
	}
}

// defaultBoilerplate is the empathy-boilerplate blacklist. Matching is
// case-insensitive substring.
var defaultBoilerplate = []string{
	"i hear you",
	"it sounds like",
	"i understand how you feel",
	"that must be so hard",
	"thank you for sharing",
	"i'm here for you",
	"i appreciate you opening up",
	"it's completely understandable",
	"as an ai",
}

// roboticComplaintSignals are user phrasings that indicate the coach has
// been sounding canned; they force the guard on for the next turn.
var roboticComplaintSignals = []string{
	"you sound like a robot",
	"sound so robotic",
	"stop being so scripted",
	"you keep saying the same thing",
	"that's such a canned response",
	"talk like a person",
}

// =============================================================================
// Guard
// =============================================================================

// Evaluation is the result of screening one draft.
type Evaluation struct {
	Passed     bool
	Violations []string
}

// Guard screens and rewrites drafts.
//
// # Thread Safety
//
// Safe for concurrent use; all state is per-call.
type Guard struct {
	cfg      Config
	rewriter llm.LLMClient
}

// New creates a guard. rewriter may be nil only when cfg.Enabled is
// false.
func New(cfg Config, rewriter llm.LLMClient) *Guard {
	if cfg.Enabled && rewriter == nil {
		panic("humanfeel: enabled guard requires a rewriter client")
	}
	if cfg.RewriteTimeout <= 0 {
		cfg.RewriteTimeout = 600 * time.Millisecond
	}
	if cfg.OpenerWords <= 0 {
		cfg.OpenerWords = 4
	}
	if len(cfg.BoilerplatePhrases) == 0 {
		cfg.BoilerplatePhrases = defaultBoilerplate
	}
	return &Guard{cfg: cfg, rewriter: rewriter}
}

// ShouldApply decides whether this turn's draft gets screened.
//
// # Description
//
// The guard runs only in coaching mode and never on crisis turns, where
// a predictable, steady voice matters more than varied phrasing. Within
// those bounds it applies when forced by config or request, when the
// user complained about robotic tone, or when recent assistant replies
// opened the same way twice or more.
//
// # Inputs
//
//   - mode: Resolved session mode.
//   - crisisDetected: Crisis screen output for this turn.
//   - force: Explicit request override (debugging, QA).
//   - userMessage: The current user message, scanned for complaints.
//   - recentAssistant: Recent assistant replies, newest last.
func (g *Guard) ShouldApply(mode datatypes.SessionMode, crisisDetected bool, force bool, userMessage string, recentAssistant []string) bool {
	if !g.cfg.Enabled {
		return false
	}
	if mode != datatypes.SessionModeCoaching {
		return false
	}
	if crisisDetected {
		return false
	}
	if force || g.cfg.ForceApply {
		return true
	}

	lower := strings.ToLower(userMessage)
	for _, signal := range roboticComplaintSignals {
		if strings.Contains(lower, signal) {
			return true
		}
	}

	return g.repeatedOpenerCount(recentAssistant) >= 2
}

// repeatedOpenerCount returns how many of the recent replies share the
// most common opener signature.
func (g *Guard) repeatedOpenerCount(recentAssistant []string) int {
	counts := make(map[string]int, len(recentAssistant))
	max := 0
	for _, msg := range recentAssistant {
		sig := g.openerSignature(msg)
		if sig == "" {
			continue
		}
		counts[sig]++
		if counts[sig] > max {
			max = counts[sig]
		}
	}
	return max
}

// openerSignature normalizes the first few words of a reply: lowercase,
// punctuation stripped, whitespace collapsed.
func (g *Guard) openerSignature(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	words := make([]string, 0, g.cfg.OpenerWords)
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
		})
		if f == "" {
			continue
		}
		words = append(words, f)
		if len(words) == g.cfg.OpenerWords {
			break
		}
	}
	return strings.Join(words, " ")
}

// Evaluate screens a draft against the boilerplate blacklist and the
// repeated-opener signature of recent replies.
//
// Boilerplate is a violation only when the draft opens with it and the
// same phrase showed up in a recent reply. A blacklisted phrase deep in
// the text, or one the user hasn't just heard, reads fine in isolation.
func (g *Guard) Evaluate(draft string, recentAssistant []string) Evaluation {
	var violations []string

	opening := strings.ToLower(firstSentence(draft))
	for _, phrase := range g.cfg.BoilerplatePhrases {
		if strings.Contains(opening, phrase) && appearedRecently(phrase, recentAssistant) {
			violations = append(violations, "boilerplate: "+phrase)
		}
	}

	draftSig := g.openerSignature(draft)
	if draftSig != "" {
		for _, prev := range recentAssistant {
			if g.openerSignature(prev) == draftSig {
				violations = append(violations, "repeated opener: "+draftSig)
				break
			}
		}
	}

	return Evaluation{Passed: len(violations) == 0, Violations: violations}
}

// firstSentence returns the draft's opening sentence, or the whole draft
// when no sentence boundary exists.
func firstSentence(text string) string {
	trimmed := strings.TrimSpace(text)
	if idx := strings.IndexAny(trimmed, ".!?\n"); idx >= 0 {
		return trimmed[:idx+1]
	}
	return trimmed
}

// appearedRecently reports whether a phrase occurs in any recent reply.
func appearedRecently(phrase string, recentAssistant []string) bool {
	for _, prev := range recentAssistant {
		if strings.Contains(strings.ToLower(prev), phrase) {
			return true
		}
	}
	return false
}

// Apply screens a draft and rewrites it at most once.
//
// # Description
//
// A passing draft returns unchanged. A failing draft gets one rewrite
// bounded by the configured timeout; the rewrite is kept only when it
// passes or strictly reduces the violation count. On rewrite error,
// timeout, or a no-better result the original draft is returned. Usage
// reflects tokens actually spent, fallback included.
//
// # Outputs
//
//   - string: The text to show the client. Never empty when draft isn't.
//   - llm.Usage: Rewrite-pass usage (zero when no rewrite ran).
//   - bool: True when the rewrite replaced the draft.
func (g *Guard) Apply(ctx context.Context, draft string, recentAssistant []string) (string, llm.Usage, bool) {
	eval := g.Evaluate(draft, recentAssistant)
	if eval.Passed {
		return draft, llm.Usage{}, false
	}

	slog.Debug("Draft failed human-feel screen", "violations", eval.Violations)

	rewriteCtx, cancel := context.WithTimeout(ctx, g.cfg.RewriteTimeout)
	defer cancel()

	rewritten, usage, err := g.rewriter.Generate(rewriteCtx, g.rewritePrompt(draft, eval.Violations), llm.GenerationParams{Model: g.cfg.RewriteModel})
	if err != nil {
		slog.Warn("Human-feel rewrite failed, keeping original draft", "error", err)
		return draft, usage, false
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return draft, usage, false
	}

	reEval := g.Evaluate(rewritten, recentAssistant)
	if reEval.Passed || len(reEval.Violations) < len(eval.Violations) {
		return rewritten, usage, true
	}

	slog.Debug("Human-feel rewrite no better, keeping original draft",
		"original_violations", len(eval.Violations),
		"rewrite_violations", len(reEval.Violations))
	return draft, usage, false
}

func (g *Guard) rewritePrompt(draft string, violations []string) string {
	return fmt.Sprintf(
		"Rewrite the coaching reply below so it sounds like a sharp, warm human coach. "+
			"Keep the meaning, advice, and any questions intact. Avoid these issues: %s. "+
			"Reply with the rewritten text only.\n\n%s",
		strings.Join(violations, "; "), draft)
}

// =============================================================================
// Engine Adapter
// =============================================================================

// Processor binds a guard to one turn's recent assistant replies so the
// generation engine can call it with just the draft.
type Processor struct {
	guard           *Guard
	recentAssistant []string
}

// NewProcessor creates the per-turn adapter.
func NewProcessor(guard *Guard, recentAssistant []string) *Processor {
	if guard == nil {
		panic("humanfeel: NewProcessor requires a guard")
	}
	return &Processor{guard: guard, recentAssistant: recentAssistant}
}

// Process implements the engine's DraftGuard contract.
func (p *Processor) Process(ctx context.Context, draft string) (string, llm.Usage, bool) {
	return p.guard.Apply(ctx, draft, p.recentAssistant)
}
