// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextasm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// =============================================================================
// Loader Stubs
// =============================================================================

type stubLoaders struct {
	userErr    error
	historyErr error
	patternErr error
	summaryErr error
	prefsErr   error
	patterns   []Pattern
}

func (s *stubLoaders) LoadUserContext(ctx context.Context, userID string) (*UserContext, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	return &UserContext{PreferredTone: "direct"}, nil
}

func (s *stubLoaders) LoadHistory(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return []datatypes.Message{{Role: "user", Content: "earlier message"}}, nil
}

func (s *stubLoaders) DetectPatterns(ctx context.Context, userID string) ([]Pattern, error) {
	if s.patternErr != nil {
		return nil, s.patternErr
	}
	return s.patterns, nil
}

func (s *stubLoaders) Summarize(ctx context.Context, patterns []Pattern) (string, error) {
	if s.summaryErr != nil {
		return "", s.summaryErr
	}
	return "tends to overcommit on Mondays", nil
}

func (s *stubLoaders) LoadPreferences(ctx context.Context, userID string) (*Preferences, error) {
	if s.prefsErr != nil {
		return nil, s.prefsErr
	}
	return &Preferences{Style: "socratic"}, nil
}

func newTestAssembler(s *stubLoaders) *Assembler {
	return NewAssembler(s, s, s, s, s, Options{})
}

// =============================================================================
// Tests
// =============================================================================

func TestAssembleCoachingAllLoadersSucceed(t *testing.T) {
	s := &stubLoaders{patterns: []Pattern{{Name: "overcommit"}}}
	a := newTestAssembler(s)

	tc, err := a.Assemble(context.Background(), "user-1", "conv-1", datatypes.SessionModeCoaching)
	require.NoError(t, err)

	assert.NotNil(t, tc.UserContext)
	assert.Len(t, tc.History, 1)
	assert.Equal(t, "tends to overcommit on Mondays", tc.PatternSummary)
	assert.NotNil(t, tc.Preferences)
	assert.Empty(t, tc.Degraded)
}

func TestAssembleDegradesOnUserContextFailure(t *testing.T) {
	s := &stubLoaders{userErr: errors.New("profile store down")}
	a := newTestAssembler(s)

	tc, err := a.Assemble(context.Background(), "user-1", "conv-1", datatypes.SessionModeCoaching)
	require.NoError(t, err)

	assert.Nil(t, tc.UserContext)
	assert.Contains(t, tc.Degraded, "user_context")
	// The rest of the fan-out still delivered.
	assert.Len(t, tc.History, 1)
	assert.NotNil(t, tc.Preferences)
}

func TestAssembleDegradesOnEveryLoaderFailure(t *testing.T) {
	s := &stubLoaders{
		userErr:    errors.New("down"),
		historyErr: errors.New("down"),
		patternErr: errors.New("down"),
		prefsErr:   errors.New("down"),
	}
	a := newTestAssembler(s)

	tc, err := a.Assemble(context.Background(), "user-1", "conv-1", datatypes.SessionModeCoaching)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user_context", "history", "patterns", "preferences"}, tc.Degraded)
}

func TestAssembleSummarizerFailureDegradesOnlySummary(t *testing.T) {
	s := &stubLoaders{
		patterns:   []Pattern{{Name: "overcommit"}},
		summaryErr: errors.New("model timeout"),
	}
	a := newTestAssembler(s)

	tc, err := a.Assemble(context.Background(), "user-1", "conv-1", datatypes.SessionModeCoaching)
	require.NoError(t, err)
	assert.Empty(t, tc.PatternSummary)
	assert.Equal(t, []string{"pattern_summary"}, tc.Degraded)
}

func TestAssembleDiscoveryLoadsHistoryOnly(t *testing.T) {
	s := &stubLoaders{patterns: []Pattern{{Name: "overcommit"}}}
	a := newTestAssembler(s)

	tc, err := a.Assemble(context.Background(), "user-1", "conv-1", datatypes.SessionModeDiscovery)
	require.NoError(t, err)

	assert.Len(t, tc.History, 1)
	assert.Nil(t, tc.UserContext)
	assert.Empty(t, tc.PatternSummary)
	assert.Nil(t, tc.Preferences)
}

func TestAssembleDeadParentContext(t *testing.T) {
	s := &stubLoaders{}
	a := newTestAssembler(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Assemble(ctx, "user-1", "conv-1", datatypes.SessionModeCoaching)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewAssemblerPanicsOnNilLoader(t *testing.T) {
	s := &stubLoaders{}
	assert.Panics(t, func() {
		NewAssembler(nil, s, s, s, s, Options{})
	})
}
