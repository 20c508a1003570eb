// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package completion finalizes a successful generation: persistence,
// discovery profile extraction, usage accounting, and the done event.
package completion

import (
	"context"
	"time"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// AssistantMessage is the persisted record of one assistant turn.
type AssistantMessage struct {
	MessageID      string
	ConversationID string
	UserID         string
	Content        string
	MemoryMoment   bool
	PatternInsight bool
	CrisisDetected bool
	CreatedAt      time.Time
}

// UsageEntry is one row of the usage/cost ledger.
type UsageEntry struct {
	RequestID        string
	UserID           string
	ConversationID   string
	Provider         string
	Model            string
	Tier             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	GuardRewritten   bool
	RecordedAt       time.Time
}

// MessageStore persists conversation messages.
type MessageStore interface {
	SaveAssistantMessage(ctx context.Context, msg AssistantMessage) error
}

// ProfileStore persists discovery profiles.
type ProfileStore interface {
	// UpsertProfile merges the extracted fields into the stored profile
	// and returns the incremented context version.
	UpsertProfile(ctx context.Context, userID string, profile *datatypes.DiscoveryProfile) (int, error)
}

// UserStore mutates account state owned by the pipeline.
type UserStore interface {
	MarkDiscoveryComplete(ctx context.Context, userID string, at time.Time) error
}

// UsageRecorder appends to the usage/cost ledger.
type UsageRecorder interface {
	Record(ctx context.Context, entry UsageEntry) error
}

// Notifier delivers post-turn user touches. Implementations are called
// from the side-effect queue only; failures never reach the stream.
type Notifier interface {
	SendPush(ctx context.Context, userID, kind string) error
	ScheduleReminder(ctx context.Context, userID string, at time.Time) error
}
