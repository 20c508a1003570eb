// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextasm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TextSummarizer renders detected patterns as short prompt-ready prose.
// It is deterministic and local; deployments that summarize with a model
// swap it behind the same interface.
type TextSummarizer struct {
	// MaxPatterns caps how many patterns make it into the summary,
	// strongest first. Default 5.
	MaxPatterns int
}

var _ PatternSummarizer = (*TextSummarizer)(nil)

// Summarize implements PatternSummarizer.
func (s *TextSummarizer) Summarize(ctx context.Context, patterns []Pattern) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(patterns) == 0 {
		return "", nil
	}

	max := s.MaxPatterns
	if max <= 0 {
		max = 5
	}

	sorted := make([]Pattern, len(patterns))
	copy(sorted, patterns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if len(sorted) > max {
		sorted = sorted[:max]
	}

	lines := make([]string, 0, len(sorted))
	for _, p := range sorted {
		evidence := strings.TrimSpace(p.Evidence)
		if evidence == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", p.Name, evidence))
	}
	if len(lines) == 0 {
		return "", nil
	}
	return "Recurring patterns observed in past sessions:\n" + strings.Join(lines, "\n"), nil
}
