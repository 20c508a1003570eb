// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsAreComplete(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 25, cfg.Quota.TrialDaily)
	assert.Equal(t, 750, cfg.Quota.ActiveMonthly)
	assert.Equal(t, 17, cfg.Completion.MaxDiscoveryUserTurns)
	assert.InDelta(t, 0.7, cfg.Router.CrisisConfidenceThreshold, 1e-9)
	assert.True(t, cfg.Guard.Enabled)
	assert.Equal(t, 40, cfg.Context.HistoryLimit)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
quota:
  trial_daily: 5
guard:
  enabled: false
completion:
  max_discovery_user_turns: 9
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Quota.TrialDaily)
	assert.False(t, cfg.Guard.Enabled)
	assert.Equal(t, 9, cfg.Completion.MaxDiscoveryUserTurns)
	// Untouched fields keep their defaults.
	assert.Equal(t, 750, cfg.Quota.ActiveMonthly)
	assert.Equal(t, "openai", cfg.Router.Primary.Provider)
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := writeConfig(t, "quota: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestManagerWithoutPathServesDefaults(t *testing.T) {
	m, err := NewManager("")
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Watch())
	assert.Equal(t, 25, m.Current().Quota.TrialDaily)
}

func TestManagerHotReload(t *testing.T) {
	path := writeConfig(t, "quota:\n  trial_daily: 10\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Watch())
	require.Equal(t, 10, m.Current().Quota.TrialDaily)

	require.NoError(t, os.WriteFile(path, []byte("quota:\n  trial_daily: 20\n"), 0o644))

	require.Eventually(t, func() bool {
		return m.Current().Quota.TrialDaily == 20
	}, 3*time.Second, 25*time.Millisecond)
}

func TestManagerKeepsLastGoodOnBrokenEdit(t *testing.T) {
	path := writeConfig(t, "quota:\n  trial_daily: 10\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Watch())

	require.NoError(t, os.WriteFile(path, []byte("quota: [broken"), 0o644))

	// Give the watcher a moment; the bad write must not evict the policy.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 10, m.Current().Quota.TrialDaily)
}
