// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the coach service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header, validates it using the configured AuthProvider, and stores the
// resulting AuthInfo in the Gin context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// # Development Behavior
//
// With StaticAuthProvider, tokens are looked up in a fixed token→user
// table. Production deployments plug in a real identity provider behind
// the same AuthProvider interface.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by providers for invalid or expired tokens.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the authenticated identity for one request.
type AuthInfo struct {
	UserID string
}

// AuthProvider validates bearer tokens.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the context key for storing AuthInfo.
// Using a fixed key prevents collisions with other context values.
const authInfoKey = "northstar_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
// Returns nil if the request was not authenticated.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// using the provided AuthProvider, and stores the resulting AuthInfo in
// the context for downstream handlers. Validation failures abort with
// 401 before any handler runs.
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - Does not cache validation results (validates every request)
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// =============================================================================
// Static Provider
// =============================================================================

// StaticAuthProvider validates tokens against a fixed table. Suitable
// for development and tests.
type StaticAuthProvider struct {
	tokens map[string]string // token -> userID
}

var _ AuthProvider = (*StaticAuthProvider)(nil)

// NewStaticAuthProvider creates a provider over a token→user table.
func NewStaticAuthProvider(tokens map[string]string) *StaticAuthProvider {
	if tokens == nil {
		tokens = map[string]string{}
	}
	return &StaticAuthProvider{tokens: tokens}
}

// Validate implements AuthProvider.
func (p *StaticAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	userID, ok := p.tokens[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{UserID: userID}, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// Parses "Bearer <token>" (scheme case-insensitive per RFC 7235) and
// returns empty string if the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
