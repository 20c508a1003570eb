// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package router picks the provider/model tier for each turn and enforces
// the input token budget before the prompt leaves the building.
package router

import (
	"log/slog"
	"strings"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// Tier names for the routing decision.
const (
	TierPrimary   = "primary"
	TierEscalated = "escalated"
)

// Route reasons, logged and attached to traces.
const (
	ReasonDefault     = "default"
	ReasonCrisis      = "crisis_escalation"
	ReasonHighStakes  = "high_stakes_content"
	ReasonDiscovery   = "discovery_mode"
)

// ModelSpec describes one routable model.
type ModelSpec struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	MaxOutputTokens   int     `yaml:"max_output_tokens"`
	Temperature       float32 `yaml:"temperature"`
	InputBudgetTokens int     `yaml:"input_budget_tokens"`
}

// Policy is the routing table, loaded from the pipeline config.
type Policy struct {
	Primary   ModelSpec `yaml:"primary"`
	Escalated ModelSpec `yaml:"escalated"`

	// CrisisConfidenceThreshold is the minimum classifier confidence at
	// which a crisis-flagged turn escalates. Below it, the flag still
	// shapes the system prompt but not the model choice.
	CrisisConfidenceThreshold float64 `yaml:"crisis_confidence_threshold"`

	// HighStakesKeywords escalate on substring match against the current
	// message and recent user messages.
	HighStakesKeywords []string `yaml:"high_stakes_keywords"`
}

// DefaultPolicy returns the production routing table.
func DefaultPolicy() Policy {
	return Policy{
		Primary: ModelSpec{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			MaxOutputTokens:   1024,
			Temperature:       0.7,
			InputBudgetTokens: 8000,
		},
		Escalated: ModelSpec{
			Provider:          "anthropic",
			Model:             "claude-3-5-sonnet-20240620",
			MaxOutputTokens:   2048,
			Temperature:       0.5,
			InputBudgetTokens: 12000,
		},
		CrisisConfidenceThreshold: 0.7,
		HighStakesKeywords: []string{
			"divorce", "fired", "laid off", "bankruptcy", "relapse",
			"custody", "eviction", "diagnosis",
		},
	}
}

// Selection is the routing decision for one turn.
type Selection struct {
	Provider          string
	Model             string
	Tier              string
	MaxOutputTokens   int
	Temperature       float32
	InputBudgetTokens int
	RouteReason       string
}

// Router applies the policy. Stateless; safe for concurrent use.
type Router struct {
	policy Policy
}

// New creates a router from a policy.
func New(policy Policy) *Router {
	return &Router{policy: policy}
}

// SelectModel decides the tier for a turn.
//
// # Description
//
// Escalates to the stronger tier when the crisis screen fired at or above
// the confidence threshold, or when high-stakes keywords appear in the
// current message or recent user messages. Discovery turns always use the
// primary tier: onboarding is cost-sensitive and the crisis path still
// escalates if the screen fires.
//
// # Inputs
//
//   - mode: Resolved session mode.
//   - message: The current user message.
//   - recentUserMessages: The last few user messages, oldest first.
//   - crisisDetected / crisisConfidence: Output of the crisis screen.
func (r *Router) SelectModel(mode datatypes.SessionMode, message string, recentUserMessages []string, crisisDetected bool, crisisConfidence float64) Selection {
	spec := r.policy.Primary
	tier := TierPrimary
	reason := ReasonDefault
	if mode == datatypes.SessionModeDiscovery {
		reason = ReasonDiscovery
	}

	if crisisDetected && crisisConfidence >= r.policy.CrisisConfidenceThreshold {
		spec, tier, reason = r.policy.Escalated, TierEscalated, ReasonCrisis
	} else if mode == datatypes.SessionModeCoaching && r.matchesHighStakes(message, recentUserMessages) {
		spec, tier, reason = r.policy.Escalated, TierEscalated, ReasonHighStakes
	}

	slog.Debug("Model routed",
		"tier", tier,
		"provider", spec.Provider,
		"model", spec.Model,
		"reason", reason)

	return Selection{
		Provider:          spec.Provider,
		Model:             spec.Model,
		Tier:              tier,
		MaxOutputTokens:   spec.MaxOutputTokens,
		Temperature:       spec.Temperature,
		InputBudgetTokens: spec.InputBudgetTokens,
		RouteReason:       reason,
	}
}

func (r *Router) matchesHighStakes(message string, recent []string) bool {
	haystacks := make([]string, 0, len(recent)+1)
	haystacks = append(haystacks, strings.ToLower(message))
	for _, m := range recent {
		haystacks = append(haystacks, strings.ToLower(m))
	}
	for _, kw := range r.policy.HighStakesKeywords {
		for _, h := range haystacks {
			if strings.Contains(h, kw) {
				return true
			}
		}
	}
	return false
}
