// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package crisis screens turns for acute distress before generation.
package crisis

import (
	"context"
	"strings"
)

// Signal is the detector's verdict for one turn.
type Signal struct {
	Detected   bool
	Confidence float64
}

// Detector screens a message in its recent context. The pipeline runs it
// exactly once per turn, before generation; a positive signal shapes the
// system prompt and can escalate the model tier.
type Detector interface {
	Detect(ctx context.Context, message string, recentMessages []string) (Signal, error)
}

// =============================================================================
// Keyword Detector
// =============================================================================

// phrase weights; strong phrases alone clear the escalation threshold,
// weak ones need corroboration across the window.
var strongPhrases = []string{
	"kill myself",
	"end my life",
	"want to die",
	"suicide",
	"hurt myself",
	"self harm",
	"no reason to live",
}

var weakPhrases = []string{
	"hopeless",
	"can't go on",
	"worthless",
	"everyone would be better off",
	"give up completely",
}

// KeywordDetector is the built-in heuristic screen. Deployments with a
// dedicated classifier service wrap it behind the same interface.
type KeywordDetector struct{}

var _ Detector = (*KeywordDetector)(nil)

// NewKeywordDetector returns the heuristic detector.
func NewKeywordDetector() *KeywordDetector {
	return &KeywordDetector{}
}

// Detect implements Detector.
//
// Scans the current message plus up to the last three messages. A strong
// phrase in the current message scores 0.9; in history 0.75. Weak
// phrases accumulate 0.3 each, capped below the strong scores.
func (d *KeywordDetector) Detect(ctx context.Context, message string, recentMessages []string) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}

	window := recentMessages
	if len(window) > 3 {
		window = window[len(window)-3:]
	}

	current := strings.ToLower(message)
	for _, p := range strongPhrases {
		if strings.Contains(current, p) {
			return Signal{Detected: true, Confidence: 0.9}, nil
		}
	}
	for _, prev := range window {
		lower := strings.ToLower(prev)
		for _, p := range strongPhrases {
			if strings.Contains(lower, p) {
				return Signal{Detected: true, Confidence: 0.75}, nil
			}
		}
	}

	score := 0.0
	haystacks := append([]string{current}, window...)
	for _, h := range haystacks {
		lower := strings.ToLower(h)
		for _, p := range weakPhrases {
			if strings.Contains(lower, p) {
				score += 0.3
			}
		}
	}
	if score > 0.7 {
		score = 0.7
	}
	return Signal{Detected: score >= 0.6, Confidence: score}, nil
}
