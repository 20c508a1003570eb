// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import "github.com/northstarhq/northstar/services/llm"

// modelRates are USD per million tokens, prompt and completion.
type modelRates struct {
	PromptPerM     float64
	CompletionPerM float64
}

// costTable holds published list prices for the routable models. Unknown
// models cost zero; the ledger still records their token counts.
var costTable = map[string]modelRates{
	"gpt-4o-mini":                {PromptPerM: 0.15, CompletionPerM: 0.60},
	"gpt-4o":                     {PromptPerM: 2.50, CompletionPerM: 10.00},
	"claude-3-5-sonnet-20240620": {PromptPerM: 3.00, CompletionPerM: 15.00},
	"claude-3-haiku-20240307":    {PromptPerM: 0.25, CompletionPerM: 1.25},
}

// CostUSD estimates the dollar cost of one turn.
func CostUSD(model string, usage llm.Usage) float64 {
	rates, ok := costTable[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1e6*rates.PromptPerM +
		float64(usage.CompletionTokens)/1e6*rates.CompletionPerM
}
