// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newTestLedger(t *testing.T, limits Limits, clock Clock) *BadgerLedger {
	t.Helper()
	db, err := OpenStore(InMemoryStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerLedger(db, limits, clock)
}

func TestCheckAndIncrementAllowsUnderLimit(t *testing.T) {
	ledger := newTestLedger(t, Limits{TrialDaily: 3, ActiveMonthly: 10}, nil)

	for i := 1; i <= 3; i++ {
		res, err := ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, uuid.NewString())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.CurrentCount)
		assert.Equal(t, 3, res.Limit)
		assert.True(t, res.IsTrial)
	}
}

func TestCheckAndIncrementDeniesAtLimit(t *testing.T) {
	ledger := newTestLedger(t, Limits{TrialDaily: 2, ActiveMonthly: 10}, nil)

	for i := 0; i < 2; i++ {
		_, err := ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, uuid.NewString())
		require.NoError(t, err)
	}

	res, err := ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.CurrentCount)
	assert.Equal(t, 2, res.Limit)
	assert.False(t, res.ResetDate.IsZero())

	// Denied requests are not counted: another user's turn and the same
	// user's next period are unaffected.
	res2, err := ledger.CheckAndIncrement(context.Background(), "user-2", datatypes.SubscriptionTrial, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, res2.Allowed)
	assert.Equal(t, 1, res2.CurrentCount)
}

func TestCheckAndIncrementIdempotentPerRequestID(t *testing.T) {
	ledger := newTestLedger(t, Limits{TrialDaily: 5, ActiveMonthly: 10}, nil)
	requestID := uuid.NewString()

	first, err := ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, requestID)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.Equal(t, 1, first.CurrentCount)

	// Retry with the same request ID replays the original result.
	replay, err := ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, requestID)
	require.NoError(t, err)
	assert.True(t, replay.Allowed)
	assert.Equal(t, 1, replay.CurrentCount)

	// A fresh request ID consumes the next slot, proving the replay did
	// not double-count.
	next, err := ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, 2, next.CurrentCount)
}

func TestTrialCountersResetDaily(t *testing.T) {
	clock := &fixedClock{now: time.Date(2025, 7, 10, 23, 0, 0, 0, time.UTC)}
	ledger := newTestLedger(t, Limits{TrialDaily: 1, ActiveMonthly: 10}, clock)

	res, err := ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, uuid.NewString())
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.Equal(t, time.Date(2025, 7, 11, 0, 0, 0, 0, time.UTC), res.ResetDate)

	res, err = ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Crossing midnight UTC opens a fresh bucket.
	clock.now = clock.now.Add(2 * time.Hour)
	res, err = ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionTrial, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.CurrentCount)
}

func TestActiveCountersResetMonthly(t *testing.T) {
	clock := &fixedClock{now: time.Date(2025, 7, 31, 12, 0, 0, 0, time.UTC)}
	ledger := newTestLedger(t, Limits{TrialDaily: 1, ActiveMonthly: 2}, clock)

	res, err := ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionActive, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.IsTrial)
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), res.ResetDate)

	clock.now = time.Date(2025, 8, 1, 0, 30, 0, 0, time.UTC)
	res, err = ledger.CheckAndIncrement(context.Background(), "user-1", datatypes.SubscriptionActive, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CurrentCount)
}

func TestCheckAndIncrementHonorsContext(t *testing.T) {
	ledger := newTestLedger(t, DefaultLimits(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ledger.CheckAndIncrement(ctx, "user-1", datatypes.SubscriptionTrial, uuid.NewString())
	assert.ErrorIs(t, err, context.Canceled)
}
