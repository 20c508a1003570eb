// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the transport-level burst limiter. This is
// infrastructure protection against misbehaving clients; the per-user
// message quota is a separate, business-level gate.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultRateLimitConfig returns the production limiter settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 5, Burst: 10}
}

// ipLimiter tracks one limiter per client IP with lazy cleanup.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	cfg      RateLimitConfig
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware creates a per-IP token bucket limiter.
//
// Requests beyond the burst get 429 with a minimal body; the quota
// gate's richer 429 payload is reserved for authenticated, per-user
// denials.
func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	l := &ipLimiter{
		limiters: make(map[string]*ipEntry),
		cfg:      cfg,
	}
	go l.cleanupLoop()

	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too_many_requests",
			})
			return
		}
		c.Next()
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
		}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()
	return entry.limiter.Allow()
}

// cleanupLoop drops limiters idle for over ten minutes so the map
// cannot grow unbounded under IP churn.
func (l *ipLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}
