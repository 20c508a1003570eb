// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

func TestResolve(t *testing.T) {
	completed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		status      datatypes.SubscriptionStatus
		completedAt *time.Time
		want        datatypes.SessionMode
	}{
		{"active subscription", datatypes.SubscriptionActive, nil, datatypes.SessionModeCoaching},
		{"active subscription after discovery", datatypes.SubscriptionActive, &completed, datatypes.SessionModeCoaching},
		{"trial counts as paid", datatypes.SubscriptionTrial, nil, datatypes.SessionModeCoaching},
		{"no subscription, discovery open", datatypes.SubscriptionNone, nil, datatypes.SessionModeDiscovery},
		{"no subscription, discovery done", datatypes.SubscriptionNone, &completed, datatypes.SessionModeBlocked},
		{"empty status treated as none", datatypes.SubscriptionStatus(""), nil, datatypes.SessionModeDiscovery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.status, tt.completedAt))
		})
	}
}

// A subscription purchase between turns must flip the mode on the next
// resolve; an expiry after discovery must block, never re-enter discovery.
func TestResolveReEvaluatedPerTurn(t *testing.T) {
	completed := time.Now()

	assert.Equal(t, datatypes.SessionModeDiscovery, Resolve(datatypes.SubscriptionNone, nil))
	assert.Equal(t, datatypes.SessionModeCoaching, Resolve(datatypes.SubscriptionActive, nil))

	assert.Equal(t, datatypes.SessionModeCoaching, Resolve(datatypes.SubscriptionActive, &completed))
	assert.Equal(t, datatypes.SessionModeBlocked, Resolve(datatypes.SubscriptionNone, &completed))
}
