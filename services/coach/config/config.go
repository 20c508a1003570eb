// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the pipeline policy file.
//
// Deploy-level knobs (ports, endpoints, API keys) stay in environment
// variables; this file holds the tunables product iterates on: routing
// table, guard settings, quotas, discovery limits. It can be hot
// reloaded so a policy change does not need a restart.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/northstarhq/northstar/services/coach/completion"
	"github.com/northstarhq/northstar/services/coach/humanfeel"
	"github.com/northstarhq/northstar/services/coach/middleware"
	"github.com/northstarhq/northstar/services/coach/quota"
	"github.com/northstarhq/northstar/services/coach/router"
)

// Config is the pipeline policy document.
type Config struct {
	Router     router.Policy              `yaml:"router"`
	Guard      humanfeel.Config           `yaml:"guard"`
	Quota      quota.Limits               `yaml:"quota"`
	Completion completion.Config          `yaml:"completion"`
	RateLimit  middleware.RateLimitConfig `yaml:"rate_limit"`

	Context struct {
		// HistoryLimit caps messages loaded per turn.
		HistoryLimit int `yaml:"history_limit"`
		// TimeoutMS bounds the context assembly fan-out.
		TimeoutMS int `yaml:"timeout_ms"`
	} `yaml:"context"`
}

// Default returns the full production default policy.
func Default() *Config {
	cfg := &Config{
		Router:     router.DefaultPolicy(),
		Guard:      humanfeel.DefaultConfig(),
		Quota:      quota.DefaultLimits(),
		Completion: completion.DefaultConfig(),
		RateLimit:  middleware.DefaultRateLimitConfig(),
	}
	cfg.Context.HistoryLimit = 40
	cfg.Context.TimeoutMS = 2000
	return cfg
}

// Load reads and parses a policy file, overlaying the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// =============================================================================
// Hot Reload
// =============================================================================

// Manager serves the current policy and watches the file for changes.
//
// # Thread Safety
//
// Current() is safe for concurrent use; readers always see a complete
// document (the pointer swaps atomically).
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
}

// NewManager loads the initial policy. An empty path yields a static
// manager serving the defaults.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if path == "" {
		m.current.Store(Default())
		return m, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the live policy. Callers must not mutate it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Watch starts reloading on file changes. A broken edit keeps the last
// good policy and logs the parse error.
func (m *Manager) Watch() error {
	if m.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(m.path)
				if err != nil {
					slog.Error("Config reload failed, keeping previous policy", "error", err)
					continue
				}
				m.current.Store(cfg)
				slog.Info("Config reloaded", "path", m.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
