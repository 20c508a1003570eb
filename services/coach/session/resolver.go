// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session decides which pipeline a turn runs through.
package session

import (
	"time"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// Resolve maps account state to a session mode.
//
// # Description
//
// Pure function, re-evaluated on every turn so a subscription purchase
// takes effect on the very next message. The decision table:
//
//   - paid subscription (trial or active)       -> coaching
//   - no subscription, discovery not completed  -> discovery
//   - no subscription, discovery completed      -> blocked
//
// Discovery completion is irreversible: once discoveryCompletedAt is set,
// an unsubscribed user never re-enters discovery.
//
// # Inputs
//
//   - status: The user's current subscription status.
//   - discoveryCompletedAt: When discovery finished, or nil if it has not.
//
// # Outputs
//
//   - datatypes.SessionMode: Exactly one of discovery, coaching, blocked.
func Resolve(status datatypes.SubscriptionStatus, discoveryCompletedAt *time.Time) datatypes.SessionMode {
	if status.IsPaid() {
		return datatypes.SessionModeCoaching
	}
	if discoveryCompletedAt == nil {
		return datatypes.SessionModeDiscovery
	}
	return datatypes.SessionModeBlocked
}
