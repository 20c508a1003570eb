// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstarhq/northstar/services/coach/completion"
	"github.com/northstarhq/northstar/services/coach/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestEnsureConversationOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureConversation(ctx, "conv-1", "user-1"))
	// Same owner is fine on repeat turns.
	require.NoError(t, s.EnsureConversation(ctx, "conv-1", "user-1"))
	// A different user is rejected.
	assert.ErrorIs(t, s.EnsureConversation(ctx, "conv-1", "user-2"), ErrNotOwner)
}

func TestMessagePersistenceAndHistoryOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveUserMessage(ctx, "conv-1", "user-1", "first", now))
	require.NoError(t, s.SaveAssistantMessage(ctx, completion.AssistantMessage{
		MessageID: "m-1", ConversationID: "conv-1", UserID: "user-1", Content: "reply one", CreatedAt: now,
	}))
	require.NoError(t, s.SaveUserMessage(ctx, "conv-1", "user-1", "second", now))

	history, err := s.LoadHistory(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "reply one", history[1].Content)
	assert.Equal(t, "second", history[2].Content)

	// Limit keeps the newest messages.
	history, err = s.LoadHistory(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "reply one", history[0].Content)

	turns, err := s.UserTurnCount(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, turns)
}

func TestGetUserState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetUserState(ctx, "ghost", "conv-1")
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, s.PutAccount(ctx, "user-1", datatypes.SubscriptionTrial, nil))
	require.NoError(t, s.SaveUserMessage(ctx, "conv-1", "user-1", "hi", time.Now()))

	state, err := s.GetUserState(ctx, "user-1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.SubscriptionTrial, state.SubscriptionStatus)
	assert.Nil(t, state.DiscoveryCompletedAt)
	assert.Equal(t, 1, state.UserMessageCount)
}

func TestMarkDiscoveryCompleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, "user-1", datatypes.SubscriptionNone, nil))

	first := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkDiscoveryComplete(ctx, "user-1", first))
	require.NoError(t, s.MarkDiscoveryComplete(ctx, "user-1", first.Add(time.Hour)))

	state, err := s.GetUserState(ctx, "user-1", "conv-1")
	require.NoError(t, err)
	require.NotNil(t, state.DiscoveryCompletedAt)
	assert.True(t, state.DiscoveryCompletedAt.Equal(first))
}

func TestUpsertProfileMergesAndVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.UpsertProfile(ctx, "user-1", &datatypes.DiscoveryProfile{
		Domains: []string{"career"},
		Summary: "wants structure",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// Second upsert overlays non-empty fields and bumps the version.
	v, err = s.UpsertProfile(ctx, "user-1", &datatypes.DiscoveryProfile{
		Themes: []string{"burnout"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	uc, err := s.LoadUserContext(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, uc.Profile)
	assert.Equal(t, []string{"career"}, uc.Profile.Domains)
	assert.Equal(t, []string{"burnout"}, uc.Profile.Themes)
	assert.Equal(t, "wants structure", uc.Profile.Summary)
	assert.Equal(t, 2, uc.Profile.ContextVersion)
}

func TestPatternLogFedByAssistantMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveAssistantMessage(ctx, completion.AssistantMessage{
		MessageID: "m-1", ConversationID: "conv-1", UserID: "user-1",
		Content: "You tend to defer hard conversations.", PatternInsight: true, CreatedAt: now,
	}))
	require.NoError(t, s.SaveAssistantMessage(ctx, completion.AssistantMessage{
		MessageID: "m-2", ConversationID: "conv-1", UserID: "user-1",
		Content: "Plain reply, no insight.", CreatedAt: now,
	}))

	patterns, err := s.DetectPatterns(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Contains(t, patterns[0].Evidence, "defer hard conversations")
}

func TestLoadPreferencesDefaultsWhenMissing(t *testing.T) {
	s := newTestStore(t)
	prefs, err := s.LoadPreferences(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, prefs)
	assert.Empty(t, prefs.Style)
}

func TestUsageLedgerRecord(t *testing.T) {
	s := newTestStore(t)
	err := s.Record(context.Background(), completion.UsageEntry{
		RequestID: "req-1", UserID: "user-1", Model: "gpt-4o-mini", TotalTokens: 100,
	})
	assert.NoError(t, err)
}
