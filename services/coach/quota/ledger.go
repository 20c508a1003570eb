// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

const (
	counterKeyPrefix = "quota:u:"
	markerKeyPrefix  = "quota:req:"

	// markerTTL bounds how long a request ID is remembered for replay
	// detection. Client retries happen within seconds; a day is ample.
	markerTTL = 24 * time.Hour
)

// BadgerLedger is the embedded usage ledger.
//
// # Description
//
// Counters live in BadgerDB under a per-user, per-period key. Each
// allowed request also writes a marker keyed by request ID holding the
// count it was assigned, so a retried request replays its original
// result instead of consuming a second slot. Both the counter read and
// the increment happen inside one Update transaction; Badger's SSI
// aborts conflicting concurrent increments, which we retry.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerLedger struct {
	db     *badger.DB
	limits Limits
	clock  Clock
}

var _ Gate = (*BadgerLedger)(nil)

// NewBadgerLedger creates a ledger over an open database.
func NewBadgerLedger(db *badger.DB, limits Limits, clock Clock) *BadgerLedger {
	if db == nil {
		panic("quota: BadgerLedger requires a database")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &BadgerLedger{db: db, limits: limits, clock: clock}
}

// CheckAndIncrement implements Gate.
func (l *BadgerLedger) CheckAndIncrement(ctx context.Context, userID string, status datatypes.SubscriptionStatus, requestID string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := l.clock.Now()
	period, reset := periodKey(status, now)
	limit := l.limits.limitFor(status)
	isTrial := status != datatypes.SubscriptionActive

	counterKey := []byte(counterKeyPrefix + userID + ":" + period)
	markerKey := []byte(markerKeyPrefix + requestID)

	var result Result
	txn := func(txn *badger.Txn) error {
		// Replay: a retried request keeps its original slot.
		if item, err := txn.Get(markerKey); err == nil {
			return item.Value(func(val []byte) error {
				count, perr := strconv.Atoi(string(val))
				if perr != nil {
					return fmt.Errorf("corrupt quota marker for request %s: %w", requestID, perr)
				}
				result = Result{Allowed: true, CurrentCount: count, Limit: limit, ResetDate: reset, IsTrial: isTrial}
				return nil
			})
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		count := 0
		if item, err := txn.Get(counterKey); err == nil {
			if verr := item.Value(func(val []byte) error {
				c, perr := strconv.Atoi(string(val))
				if perr != nil {
					return fmt.Errorf("corrupt quota counter for user %s: %w", userID, perr)
				}
				count = c
				return nil
			}); verr != nil {
				return verr
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if count >= limit {
			result = Result{Allowed: false, CurrentCount: count, Limit: limit, ResetDate: reset, IsTrial: isTrial}
			return nil
		}

		count++
		counterTTL := reset.Sub(now) + 24*time.Hour
		entry := badger.NewEntry(counterKey, []byte(strconv.Itoa(count))).WithTTL(counterTTL)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		marker := badger.NewEntry(markerKey, []byte(strconv.Itoa(count))).WithTTL(markerTTL)
		if err := txn.SetEntry(marker); err != nil {
			return err
		}

		result = Result{Allowed: true, CurrentCount: count, Limit: limit, ResetDate: reset, IsTrial: isTrial}
		return nil
	}

	// Retry once on transaction conflict (two turns from the same user
	// racing the counter).
	err := l.db.Update(txn)
	if errors.Is(err, badger.ErrConflict) {
		slog.Debug("Quota transaction conflict, retrying", "user_id", userID)
		err = l.db.Update(txn)
	}
	if err != nil {
		return Result{}, fmt.Errorf("quota check failed: %w", err)
	}
	return result, nil
}
