// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.CrisisConfidenceThreshold = 0.7
	p.HighStakesKeywords = []string{"divorce", "fired"}
	return p
}

func TestSelectModelDefault(t *testing.T) {
	r := New(testPolicy())

	sel := r.SelectModel(datatypes.SessionModeCoaching, "how do I plan my week better?", nil, false, 0)

	assert.Equal(t, TierPrimary, sel.Tier)
	assert.Equal(t, ReasonDefault, sel.RouteReason)
	assert.Equal(t, "openai", sel.Provider)
}

func TestSelectModelCrisisEscalation(t *testing.T) {
	r := New(testPolicy())

	sel := r.SelectModel(datatypes.SessionModeCoaching, "message", nil, true, 0.9)
	assert.Equal(t, TierEscalated, sel.Tier)
	assert.Equal(t, ReasonCrisis, sel.RouteReason)

	// Below threshold the flag does not escalate.
	sel = r.SelectModel(datatypes.SessionModeCoaching, "message", nil, true, 0.5)
	assert.Equal(t, TierPrimary, sel.Tier)

	// Exactly at threshold escalates.
	sel = r.SelectModel(datatypes.SessionModeCoaching, "message", nil, true, 0.7)
	assert.Equal(t, TierEscalated, sel.Tier)
}

func TestSelectModelHighStakesContent(t *testing.T) {
	r := New(testPolicy())

	sel := r.SelectModel(datatypes.SessionModeCoaching, "I think I'm getting Divorced", nil, false, 0)
	assert.Equal(t, TierEscalated, sel.Tier)
	assert.Equal(t, ReasonHighStakes, sel.RouteReason)

	// Matches in recent user messages too.
	sel = r.SelectModel(datatypes.SessionModeCoaching, "what next?", []string{"I just got fired"}, false, 0)
	assert.Equal(t, TierEscalated, sel.Tier)
}

func TestSelectModelDiscoveryStaysPrimary(t *testing.T) {
	r := New(testPolicy())

	// High-stakes content in discovery mode does not escalate...
	sel := r.SelectModel(datatypes.SessionModeDiscovery, "my divorce started this", nil, false, 0)
	assert.Equal(t, TierPrimary, sel.Tier)
	assert.Equal(t, ReasonDiscovery, sel.RouteReason)

	// ...but a confident crisis screen always does.
	sel = r.SelectModel(datatypes.SessionModeDiscovery, "message", nil, true, 0.95)
	assert.Equal(t, TierEscalated, sel.Tier)
}

func TestEnforceInputTokenBudgetNoTrimWhenUnderBudget(t *testing.T) {
	msgs := []datatypes.Message{
		{Role: "system", Content: "persona"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "newest"},
	}
	out := EnforceInputTokenBudget(msgs, 100000)
	assert.Equal(t, msgs, out)
}

func TestEnforceInputTokenBudgetDropsOldestFirst(t *testing.T) {
	long := strings.Repeat("x", 400) // ~100 tokens each
	msgs := []datatypes.Message{
		{Role: "system", Content: "persona"},
		{Role: "user", Content: "oldest " + long},
		{Role: "assistant", Content: "older " + long},
		{Role: "user", Content: "recent " + long},
		{Role: "user", Content: "newest turn"},
	}

	out := EnforceInputTokenBudget(msgs, 250)

	// System prompt and newest turn always survive.
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "newest turn", out[len(out)-1].Content)
	// Oldest history went first.
	for _, m := range out {
		assert.False(t, strings.HasPrefix(m.Content, "oldest"))
	}
	assert.LessOrEqual(t, EstimateTokens(out), 250)
}

func TestEnforceInputTokenBudgetNeverDropsSystemOrNewest(t *testing.T) {
	msgs := []datatypes.Message{
		{Role: "system", Content: strings.Repeat("p", 4000)},
		{Role: "user", Content: "old"},
		{Role: "user", Content: strings.Repeat("n", 4000)},
	}

	// Budget too small for even the protected pair: both still kept.
	out := EnforceInputTokenBudget(msgs, 10)
	assert.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, msgs[2].Content, out[1].Content)
}

func TestEnforceInputTokenBudgetWithoutSystemPrompt(t *testing.T) {
	long := strings.Repeat("y", 800)
	msgs := []datatypes.Message{
		{Role: "user", Content: long},
		{Role: "assistant", Content: long},
		{Role: "user", Content: "newest"},
	}

	out := EnforceInputTokenBudget(msgs, 220)
	assert.Equal(t, "newest", out[len(out)-1].Content)
	assert.LessOrEqual(t, EstimateTokens(out), 220)
}
