// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the request envelope for the streaming coach-turn
// endpoint and its validation rules.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Request Bounds
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a user message.
	// Guards against memory exhaustion from unbounded input.
	MaxMessageContentBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// turnValidate is the validator instance for coach turn requests.
// Initialized in init() with custom validators.
var turnValidate *validator.Validate

func init() {
	turnValidate = validator.New()
	_ = turnValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the byte (not rune) length cap on message content.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Coach Turn Request
// =============================================================================

// CoachTurnRequest is the request body for POST /v1/coach/stream.
//
// # Description
//
// One request drives one coaching turn: the user's message is screened,
// quota-gated, and answered with a streamed SSE response. Every request
// carries a unique ID and timestamp for audit trails and for idempotent
// quota accounting under client retries.
//
// # Fields
//
//   - RequestID: Required. UUID v4. Retrying with the same RequestID must
//     not double-count the usage ledger.
//   - Timestamp: Required. Unix milliseconds (UTC) when the client created
//     the request.
//   - ConversationID: Required. UUID of the conversation being continued.
//   - Message: The user's message. Required unless FirstMessage is set.
//     Limited to 32KB.
//   - FirstMessage: When true, the coach speaks first: no user message is
//     persisted and the quota gate is skipped for this turn.
//
// # Validation
//
// Uses go-playground/validator. Call Validate() after binding; the
// conditional Message requirement is enforced there because it depends
// on FirstMessage.
type CoachTurnRequest struct {
	RequestID      string `json:"request_id" binding:"required" validate:"required,uuid4"`
	Timestamp      int64  `json:"timestamp" validate:"required,gt=0"`
	ConversationID string `json:"conversation_id" binding:"required" validate:"required,uuid4"`
	Message        string `json:"message" validate:"maxbytes"`
	FirstMessage   bool   `json:"first_message"`
}

// Validate checks structural and conditional constraints on the request.
//
// # Outputs
//
//   - error: Non-nil with a client-safe description of the first failure.
func (r *CoachTurnRequest) Validate() error {
	if err := turnValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	if !r.FirstMessage && r.Message == "" {
		return fmt.Errorf("invalid request: message is required unless first_message is set")
	}
	return nil
}
