// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package quota implements the pre-flight usage gate for coaching turns.
//
// The gate runs before any model call so denied turns cost nothing. It is
// check-and-increment: an allowed turn is counted immediately, and the
// request ID makes the increment idempotent under client retries.
package quota

import (
	"context"
	"time"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// =============================================================================
// Limits
// =============================================================================

// Limits are the per-plan message allowances. Trial users get a daily
// allowance; active subscribers a monthly one.
type Limits struct {
	TrialDaily    int `yaml:"trial_daily"`
	ActiveMonthly int `yaml:"active_monthly"`
}

// DefaultLimits returns the production allowances.
func DefaultLimits() Limits {
	return Limits{
		TrialDaily:    25,
		ActiveMonthly: 750,
	}
}

// =============================================================================
// Gate
// =============================================================================

// Result reports the outcome of one quota check.
//
// CurrentCount includes the current request when Allowed is true (the
// increment has already happened); on denial it equals the limit the user
// is sitting at.
type Result struct {
	Allowed      bool
	CurrentCount int
	Limit        int
	ResetDate    time.Time
	IsTrial      bool
}

// Gate is the pre-flight usage check. Implementations must be idempotent
// per requestID: replaying a counted request returns the original result
// without a second increment.
type Gate interface {
	CheckAndIncrement(ctx context.Context, userID string, status datatypes.SubscriptionStatus, requestID string) (Result, error)
}

// Clock abstracts time for period-boundary tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// =============================================================================
// Period Math
// =============================================================================

// periodKey returns the ledger bucket suffix for a user's current period
// and the instant the bucket resets.
//
// Trial quotas reset daily at midnight UTC; subscriber quotas reset on
// the first of the next month. Both are computed in UTC so a user cannot
// shift their reset by changing device timezone.
func periodKey(status datatypes.SubscriptionStatus, now time.Time) (string, time.Time) {
	now = now.UTC()
	if status == datatypes.SubscriptionTrial || !status.IsPaid() {
		day := now.Format("2006-01-02")
		reset := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		return "day:" + day, reset
	}
	month := now.Format("2006-01")
	reset := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return "month:" + month, reset
}

// limitFor returns the allowance for a plan.
func (l Limits) limitFor(status datatypes.SubscriptionStatus) int {
	if status == datatypes.SubscriptionActive {
		return l.ActiveMonthly
	}
	return l.TrialDaily
}
