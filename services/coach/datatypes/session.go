// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared by the coach service.
//
// This file contains session-scoped types: the per-request stream session,
// session modes, subscription states, and the discovery profile extracted
// from the onboarding conversation.
package datatypes

import "time"

// =============================================================================
// Session Mode
// =============================================================================

// SessionMode describes which conversation pipeline a turn runs through.
type SessionMode string

const (
	// SessionModeDiscovery is the reduced-cost onboarding pipeline
	// (crisis screening + history only, no context enrichment).
	SessionModeDiscovery SessionMode = "discovery"

	// SessionModeCoaching is the full pipeline for subscribed users.
	SessionModeCoaching SessionMode = "coaching"

	// SessionModeBlocked means discovery is finished but no subscription
	// exists. Blocked turns never reach generation.
	SessionModeBlocked SessionMode = "blocked"
)

// =============================================================================
// Subscription Status
// =============================================================================

// SubscriptionStatus is the user's billing state as seen by the pipeline.
type SubscriptionStatus string

const (
	SubscriptionNone   SubscriptionStatus = "none"
	SubscriptionTrial  SubscriptionStatus = "trial"
	SubscriptionActive SubscriptionStatus = "active"
)

// IsPaid reports whether the status grants access to coaching mode.
func (s SubscriptionStatus) IsPaid() bool {
	return s == SubscriptionTrial || s == SubscriptionActive
}

// =============================================================================
// Message
// =============================================================================

// Message is a single conversation message in provider wire format.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// =============================================================================
// Stream Session
// =============================================================================

// StreamSession is the server-side state for one coaching turn.
//
// # Description
//
// Created once per request after the session mode resolver and crisis
// screening have run, and immutable from that point on. It never outlives
// the HTTP request; all cross-request state (quota counters, discovery
// profile) lives behind the persistence interfaces.
//
// # Fields
//
//   - ConversationID: The conversation this turn belongs to.
//   - UserID: Authenticated owner of the conversation.
//   - Mode: Resolved session mode for this turn.
//   - Domain: Coaching domain classified for the current message.
//   - CrisisDetected: Result of the pre-generation crisis screen.
//   - CrisisConfidence: Classifier confidence in [0, 1].
//
// # Thread Safety
//
// Immutable after construction; safe to share across goroutines within
// the request.
type StreamSession struct {
	ConversationID   string
	UserID           string
	Mode             SessionMode
	Domain           string
	CrisisDetected   bool
	CrisisConfidence float64
}

// UserState is the slice of account state the pipeline needs each turn.
//
// Loaded fresh on every request: subscription status can change between
// turns (a user may subscribe mid-session), so none of this is cached.
type UserState struct {
	UserID               string
	SubscriptionStatus   SubscriptionStatus
	DiscoveryCompletedAt *time.Time
	UserMessageCount     int
}

// =============================================================================
// Discovery Profile
// =============================================================================

// DiscoveryProfile holds the structured fields extracted from the
// discovery-completion control block.
//
// Partial extraction is expected: every field defaults to empty and an
// incomplete block never blocks the turn.
type DiscoveryProfile struct {
	Domains       []string `json:"domains,omitempty" yaml:"domains"`
	Themes        []string `json:"themes,omitempty" yaml:"themes"`
	Challenges    []string `json:"challenges,omitempty" yaml:"challenges"`
	Values        []string `json:"values,omitempty" yaml:"values"`
	Goals         []string `json:"goals,omitempty" yaml:"goals"`
	Strengths     []string `json:"strengths,omitempty" yaml:"strengths"`
	PreferredTone string   `json:"preferred_tone,omitempty" yaml:"preferred_tone"`
	Summary       string   `json:"summary,omitempty" yaml:"summary"`

	// ContextVersion increments on every upsert so clients can detect
	// that the profile changed underneath them.
	ContextVersion int `json:"context_version,omitempty" yaml:"context_version"`
}

// IsEmpty reports whether no field was extracted at all.
func (p *DiscoveryProfile) IsEmpty() bool {
	if p == nil {
		return true
	}
	return len(p.Domains) == 0 && len(p.Themes) == 0 && len(p.Challenges) == 0 &&
		len(p.Values) == 0 && len(p.Goals) == 0 && len(p.Strengths) == 0 &&
		p.PreferredTone == "" && p.Summary == ""
}
