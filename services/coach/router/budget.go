// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"log/slog"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// perMessageOverheadTokens approximates the role/formatting tokens each
// message adds on top of its content.
const perMessageOverheadTokens = 4

// EstimateTokens approximates the token count of a message list using the
// ~4 characters/token heuristic. Deliberately coarse; the budget exists
// to stop runaway prompts, not to bill by it.
func EstimateTokens(messages []datatypes.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + perMessageOverheadTokens
	}
	return total
}

// EnforceInputTokenBudget trims a prompt to fit the budget.
//
// # Description
//
// Drops the oldest history messages first until the estimate fits. Two
// messages are never dropped regardless of budget: a leading system
// prompt and the final message (the current user turn). If even those two
// alone exceed the budget, they are kept anyway: losing the persona or
// the question the user just asked is worse than an oversized prompt.
//
// # Inputs
//
//   - messages: Full prompt, oldest first. A system prompt, if present,
//     is messages[0].
//   - budgetTokens: Maximum estimated input tokens. Non-positive means
//     unlimited.
//
// # Outputs
//
//   - []datatypes.Message: The trimmed prompt, order preserved.
func EnforceInputTokenBudget(messages []datatypes.Message, budgetTokens int) []datatypes.Message {
	if budgetTokens <= 0 || len(messages) <= 2 || EstimateTokens(messages) <= budgetTokens {
		return messages
	}

	hasSystem := messages[0].Role == "system"
	start := 0
	if hasSystem {
		start = 1
	}

	// history is everything between the (optional) system prompt and the
	// newest message.
	history := messages[start : len(messages)-1]
	dropped := 0
	for len(history) > 0 {
		candidate := make([]datatypes.Message, 0, len(messages)-dropped)
		candidate = append(candidate, messages[:start]...)
		candidate = append(candidate, history...)
		candidate = append(candidate, messages[len(messages)-1])
		if EstimateTokens(candidate) <= budgetTokens {
			break
		}
		history = history[1:]
		dropped++
	}

	if dropped > 0 {
		slog.Debug("Input budget trimmed history", "dropped_messages", dropped, "budget_tokens", budgetTokens)
	}

	result := make([]datatypes.Message, 0, start+len(history)+1)
	result = append(result, messages[:start]...)
	result = append(result, history...)
	result = append(result, messages[len(messages)-1])
	return result
}
