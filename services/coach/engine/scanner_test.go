// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feed pushes text through a scanner in one go and flushes.
func feed(s *Scanner, text string) string {
	out := s.Append(text)
	out += s.Flush()
	return out
}

func TestScannerPlainText(t *testing.T) {
	s := NewScanner()
	out := feed(s, "You mentioned feeling stuck last week.")
	assert.Equal(t, "You mentioned feeling stuck last week.", out)
	assert.Equal(t, Flags{}, s.Flags())
}

func TestScannerMemoryTagStrippedAndFlagged(t *testing.T) {
	s := NewScanner()
	out := feed(s, "That matters.[MEMORY: promotion anxiety] Let's dig in.")
	assert.Equal(t, "That matters. Let's dig in.", out)
	assert.True(t, s.Flags().MemoryMoment)
	assert.False(t, s.Flags().PatternInsight)
}

func TestScannerPatternTagStrippedAndFlagged(t *testing.T) {
	s := NewScanner()
	out := feed(s, "[PATTERN: avoids conflict]Noticing something here.")
	assert.Equal(t, "Noticing something here.", out)
	assert.True(t, s.Flags().PatternInsight)
}

func TestScannerReflectionMarkers(t *testing.T) {
	s := NewScanner()
	out := feed(s, "Want to look back at this month?[REFLECTION_OFFERED]")
	assert.Equal(t, "Want to look back at this month?", out)
	assert.True(t, s.Flags().ReflectionOffered)
	assert.False(t, s.Flags().ReflectionAccepted)

	s = NewScanner()
	feed(s, "[REFLECTION_ACCEPTED]Great, let's start.")
	assert.True(t, s.Flags().ReflectionAccepted)

	s = NewScanner()
	feed(s, "[REFLECTION_DECLINED]No problem.")
	assert.True(t, s.Flags().ReflectionDeclined)
}

func TestScannerDiscoveryBlockWithheld(t *testing.T) {
	s := NewScanner()
	text := "We've covered a lot. [DISCOVERY_COMPLETE]{\"summary\":\"growth\"}[/DISCOVERY_COMPLETE] Ready when you are."
	out := feed(s, text)

	assert.Equal(t, "We've covered a lot.  Ready when you are.", out)
	block, complete := s.DiscoveryBlock()
	assert.True(t, complete)
	assert.Equal(t, `{"summary":"growth"}`, block)
}

func TestScannerUnterminatedDiscoveryBlockStaysWithheld(t *testing.T) {
	s := NewScanner()
	out := feed(s, "Done! [DISCOVERY_COMPLETE]{\"summary\":\"trun")

	assert.Equal(t, "Done! ", out)
	block, complete := s.DiscoveryBlock()
	assert.False(t, complete)
	assert.Equal(t, `{"summary":"trun`, block)
	assert.True(t, s.DiscoveryStarted())
}

func TestScannerLiteralBracketSurvives(t *testing.T) {
	s := NewScanner()
	out := feed(s, "Try the [5-minute rule] today.")
	assert.Equal(t, "Try the [5-minute rule] today.", out)
}

func TestScannerUnterminatedParamTagReleasedOnFlush(t *testing.T) {
	s := NewScanner()
	out := s.Append("Sure. [MEMORY: never closes")
	assert.Equal(t, "Sure. ", out)
	// At stream end the fragment can no longer become a tag.
	assert.Equal(t, "[MEMORY: never closes", s.Flush())
	assert.False(t, s.Flags().MemoryMoment)
}

// The load-bearing property: no chunk boundary may leak a tag fragment
// or change the final visible text. Feed the same input split at every
// possible byte position (and in single bytes) and compare.
func TestScannerSplitPointInvariance(t *testing.T) {
	input := "Good point.[MEMORY: wants structure] And [PATTERN: self-critical]note this [not a tag]. " +
		"[DISCOVERY_COMPLETE]{\"domains\":[\"career\"]}[/DISCOVERY_COMPLETE]Done.[REFLECTION_OFFERED]"

	ref := NewScanner()
	wantVisible := feed(ref, input)
	wantFlags := ref.Flags()
	wantBlock, wantComplete := ref.DiscoveryBlock()
	require.True(t, wantComplete)

	for split := 1; split < len(input); split++ {
		s := NewScanner()
		got := s.Append(input[:split])
		got += s.Append(input[split:])
		got += s.Flush()

		assert.Equalf(t, wantVisible, got, "split at %d", split)
		assert.Equalf(t, wantFlags, s.Flags(), "split at %d", split)
		block, complete := s.DiscoveryBlock()
		assert.Truef(t, complete, "split at %d", split)
		assert.Equalf(t, wantBlock, block, "split at %d", split)
	}

	// Byte-at-a-time, and no intermediate delta may contain a bracket
	// fragment of a known tag.
	s := NewScanner()
	var got strings.Builder
	for i := 0; i < len(input); i++ {
		delta := s.Append(input[i : i+1])
		assert.NotContains(t, delta, "[MEMORY")
		assert.NotContains(t, delta, "DISCOVERY_COMPLETE")
		got.WriteString(delta)
	}
	got.WriteString(s.Flush())
	assert.Equal(t, wantVisible, got.String())
}

func TestScannerVisibleOutputIsMonotonic(t *testing.T) {
	s := NewScanner()
	var streamed strings.Builder
	for _, chunk := range []string{"Hel", "lo [MEM", "ORY: x] wor", "ld"} {
		streamed.WriteString(s.Append(chunk))
	}
	streamed.WriteString(s.Flush())

	assert.Equal(t, "Hello  world", streamed.String())
	assert.Equal(t, s.VisibleContent(), streamed.String())
}
