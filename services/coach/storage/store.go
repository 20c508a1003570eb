// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage is the embedded persistence layer for the coach service.
//
// One BadgerDB instance backs conversations, messages, user accounts,
// discovery profiles, detected patterns, and the usage ledger. The
// package implements the store interfaces consumed by the completion
// handler and the loader interfaces consumed by context assembly.
//
// Key layout:
//
//	conv:<conversationID>        owner user ID
//	msg:<conversationID>:<seq>   message record (JSON)
//	seq:<conversationID>         message sequence counter
//	uturns:<conversationID>      user-turn counter
//	user:<userID>                account record (JSON)
//	profile:<userID>             discovery profile (JSON)
//	pattern:<userID>:<seq>       detected pattern (JSON)
//	prefs:<userID>               preferences (JSON)
//	usage:<requestID>            usage ledger entry (JSON)
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/northstarhq/northstar/services/coach/completion"
	"github.com/northstarhq/northstar/services/coach/contextasm"
	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// ErrNotOwner means a conversation exists but belongs to another user.
var ErrNotOwner = errors.New("conversation owned by another user")

// ErrUserNotFound means no account record exists for the user ID.
var ErrUserNotFound = errors.New("user not found")

// messageRecord is the stored form of one conversation message.
type messageRecord struct {
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	MessageID      string    `json:"message_id,omitempty"`
	MemoryMoment   bool      `json:"memory_moment,omitempty"`
	PatternInsight bool      `json:"pattern_insight,omitempty"`
	CrisisDetected bool      `json:"crisis_detected,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// accountRecord is the stored form of a user account.
type accountRecord struct {
	SubscriptionStatus   datatypes.SubscriptionStatus `json:"subscription_status"`
	DiscoveryCompletedAt *time.Time                   `json:"discovery_completed_at,omitempty"`
}

// patternRecord is one stored behavioral pattern.
type patternRecord struct {
	Name       string    `json:"name"`
	Evidence   string    `json:"evidence"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the badger-backed persistence layer.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type Store struct {
	db *badger.DB
}

// Compile-time interface checks.
var (
	_ completion.MessageStore    = (*Store)(nil)
	_ completion.ProfileStore    = (*Store)(nil)
	_ completion.UserStore       = (*Store)(nil)
	_ completion.UsageRecorder   = (*Store)(nil)
	_ contextasm.HistoryLoader   = (*Store)(nil)
	_ contextasm.UserContextLoader = (*Store)(nil)
	_ contextasm.PreferenceLoader  = (*Store)(nil)
	_ contextasm.PatternDetector   = (*Store)(nil)
)

// New creates a store over an open database.
func New(db *badger.DB) *Store {
	if db == nil {
		panic("storage: New requires a database")
	}
	return &Store{db: db}
}

// =============================================================================
// Conversations and Messages
// =============================================================================

// EnsureConversation creates the conversation on first use and verifies
// ownership on every later turn.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte("conv:" + conversationID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(key, []byte(userID))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if string(val) != userID {
				return ErrNotOwner
			}
			return nil
		})
	})
}

// SaveUserMessage appends the user's message and bumps the user-turn
// counter.
func (s *Store) SaveUserMessage(ctx context.Context, conversationID, userID, content string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := messageRecord{Role: "user", Content: content, CreatedAt: at}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := s.appendMessage(txn, conversationID, rec); err != nil {
			return err
		}
		return s.bumpCounter(txn, "uturns:"+conversationID)
	})
}

// SaveAssistantMessage implements completion.MessageStore. Pattern
// insights are also recorded to the user's pattern log, which feeds the
// context assembly detector on later turns.
func (s *Store) SaveAssistantMessage(ctx context.Context, msg completion.AssistantMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := messageRecord{
		Role:           "assistant",
		Content:        msg.Content,
		MessageID:      msg.MessageID,
		MemoryMoment:   msg.MemoryMoment,
		PatternInsight: msg.PatternInsight,
		CrisisDetected: msg.CrisisDetected,
		CreatedAt:      msg.CreatedAt,
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := s.appendMessage(txn, msg.ConversationID, rec); err != nil {
			return err
		}
		if msg.PatternInsight {
			pattern := patternRecord{
				Name:       "coach_observation",
				Evidence:   truncate(msg.Content, 280),
				Confidence: 0.5,
				CreatedAt:  msg.CreatedAt,
			}
			if err := s.appendPattern(txn, msg.UserID, pattern); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadHistory implements contextasm.HistoryLoader. Returns the newest
// messages, oldest first.
func (s *Store) LoadHistory(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte("msg:" + conversationID + ":")
	var records []messageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec messageRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	messages := make([]datatypes.Message, 0, len(records))
	for _, rec := range records {
		messages = append(messages, datatypes.Message{Role: rec.Role, Content: rec.Content})
	}
	return messages, nil
}

// UserTurnCount returns how many user messages the conversation holds.
func (s *Store) UserTurnCount(ctx context.Context, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.readCounter("uturns:" + conversationID)
}

// =============================================================================
// Accounts
// =============================================================================

// PutAccount creates or replaces an account record. Used by signup flows
// and tests.
func (s *Store) PutAccount(ctx context.Context, userID string, status datatypes.SubscriptionStatus, discoveryCompletedAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := accountRecord{SubscriptionStatus: status, DiscoveryCompletedAt: discoveryCompletedAt}
	return s.putJSON("user:"+userID, rec)
}

// GetUserState loads the account slice the pipeline needs, including the
// conversation's user-turn count.
func (s *Store) GetUserState(ctx context.Context, userID, conversationID string) (datatypes.UserState, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.UserState{}, err
	}
	var rec accountRecord
	if err := s.getJSON("user:"+userID, &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return datatypes.UserState{}, ErrUserNotFound
		}
		return datatypes.UserState{}, err
	}
	turns, err := s.readCounter("uturns:" + conversationID)
	if err != nil {
		return datatypes.UserState{}, err
	}
	return datatypes.UserState{
		UserID:               userID,
		SubscriptionStatus:   rec.SubscriptionStatus,
		DiscoveryCompletedAt: rec.DiscoveryCompletedAt,
		UserMessageCount:     turns,
	}, nil
}

// MarkDiscoveryComplete implements completion.UserStore. Idempotent: a
// second call keeps the original completion time.
func (s *Store) MarkDiscoveryComplete(ctx context.Context, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := "user:" + userID
	return s.db.Update(func(txn *badger.Txn) error {
		var rec accountRecord
		item, err := txn.Get([]byte(key))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); verr != nil {
				return verr
			}
		}
		if rec.DiscoveryCompletedAt != nil {
			return nil
		}
		rec.DiscoveryCompletedAt = &at
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), data)
	})
}

// =============================================================================
// Discovery Profiles and Patterns
// =============================================================================

// UpsertProfile implements completion.ProfileStore. Non-empty incoming
// fields replace stored ones; the context version increments on every
// call.
func (s *Store) UpsertProfile(ctx context.Context, userID string, profile *datatypes.DiscoveryProfile) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key := "profile:" + userID
	version := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var stored datatypes.DiscoveryProfile
		item, err := txn.Get([]byte(key))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); verr != nil {
				return verr
			}
		}

		merged := mergeProfiles(stored, *profile)
		merged.ContextVersion = stored.ContextVersion + 1
		version = merged.ContextVersion

		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return 0, fmt.Errorf("upsert profile: %w", err)
	}
	return version, nil
}

// LoadUserContext implements contextasm.UserContextLoader.
func (s *Store) LoadUserContext(ctx context.Context, userID string) (*contextasm.UserContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var profile datatypes.DiscoveryProfile
	if err := s.getJSON("profile:"+userID, &profile); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &contextasm.UserContext{}, nil
		}
		return nil, err
	}
	return &contextasm.UserContext{
		Profile:       &profile,
		ActiveGoals:   profile.Goals,
		PreferredTone: profile.PreferredTone,
	}, nil
}

// DetectPatterns implements contextasm.PatternDetector by replaying the
// user's stored pattern log, newest last.
func (s *Store) DetectPatterns(ctx context.Context, userID string) ([]contextasm.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte("pattern:" + userID + ":")
	var patterns []contextasm.Pattern
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec patternRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			patterns = append(patterns, contextasm.Pattern{
				Name:       rec.Name,
				Evidence:   rec.Evidence,
				Confidence: rec.Confidence,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("detect patterns: %w", err)
	}
	return patterns, nil
}

// LoadPreferences implements contextasm.PreferenceLoader.
func (s *Store) LoadPreferences(ctx context.Context, userID string) (*contextasm.Preferences, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var prefs contextasm.Preferences
	if err := s.getJSON("prefs:"+userID, &prefs); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &contextasm.Preferences{}, nil
		}
		return nil, err
	}
	return &prefs, nil
}

// PutPreferences stores a user's coaching preferences.
func (s *Store) PutPreferences(ctx context.Context, userID string, prefs contextasm.Preferences) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON("prefs:"+userID, prefs)
}

// =============================================================================
// Usage Ledger
// =============================================================================

// Record implements completion.UsageRecorder.
func (s *Store) Record(ctx context.Context, entry completion.UsageEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON("usage:"+entry.RequestID, entry)
}

// =============================================================================
// Internals
// =============================================================================

func (s *Store) appendMessage(txn *badger.Txn, conversationID string, rec messageRecord) error {
	seq, err := s.nextCounter(txn, "seq:"+conversationID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Zero-padded sequence keeps byte order equal to insertion order.
	key := fmt.Sprintf("msg:%s:%012d", conversationID, seq)
	return txn.Set([]byte(key), data)
}

func (s *Store) appendPattern(txn *badger.Txn, userID string, rec patternRecord) error {
	seq, err := s.nextCounter(txn, "patseq:"+userID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("pattern:%s:%012d", userID, seq)
	return txn.Set([]byte(key), data)
}

func (s *Store) nextCounter(txn *badger.Txn, key string) (int, error) {
	count := 0
	item, err := txn.Get([]byte(key))
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}
	if err == nil {
		if verr := item.Value(func(val []byte) error {
			c, perr := strconv.Atoi(string(val))
			if perr != nil {
				return perr
			}
			count = c
			return nil
		}); verr != nil {
			return 0, verr
		}
	}
	count++
	if err := txn.Set([]byte(key), []byte(strconv.Itoa(count))); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) bumpCounter(txn *badger.Txn, key string) error {
	_, err := s.nextCounter(txn, key)
	return err
}

func (s *Store) readCounter(key string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			c, perr := strconv.Atoi(string(val))
			if perr != nil {
				return perr
			}
			count = c
			return nil
		})
	})
	return count, err
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) getJSON(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// mergeProfiles overlays non-empty incoming fields on the stored profile.
func mergeProfiles(stored, incoming datatypes.DiscoveryProfile) datatypes.DiscoveryProfile {
	out := stored
	if len(incoming.Domains) > 0 {
		out.Domains = incoming.Domains
	}
	if len(incoming.Themes) > 0 {
		out.Themes = incoming.Themes
	}
	if len(incoming.Challenges) > 0 {
		out.Challenges = incoming.Challenges
	}
	if len(incoming.Values) > 0 {
		out.Values = incoming.Values
	}
	if len(incoming.Goals) > 0 {
		out.Goals = incoming.Goals
	}
	if len(incoming.Strengths) > 0 {
		out.Strengths = incoming.Strengths
	}
	if incoming.PreferredTone != "" {
		out.PreferredTone = incoming.PreferredTone
	}
	if incoming.Summary != "" {
		out.Summary = incoming.Summary
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
