// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"

	// anthropicMaxTokensDefault bounds output when the router gives no cap.
	anthropicMaxTokensDefault = 4096
)

// =============================================================================
// Wire Types
// =============================================================================

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"` // Top-level system prompt
	MaxTokens int                `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent is the union body of one SSE data frame from the
// Messages streaming API. Only the fields we consume are declared.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// AnthropicClient serves the "anthropic" provider slot in the registry.
// It speaks the Messages API directly over HTTP.
type AnthropicClient struct {
	httpClient   *http.Client
	apiKey       string
	defaultModel string
}

var _ LLMClient = (*AnthropicClient)(nil)

// NewAnthropicClient reads credentials from ANTHROPIC_API_KEY, falling
// back to the container secret mount, and returns a ready client.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	model := os.Getenv("ANTHROPIC_MODEL")

	if apiKey == "" {
		secretPath := "/run/secrets/anthropic_api_key"
		if content, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API key from container secrets")
		}
	}
	if apiKey == "" {
		slog.Warn("Anthropic API key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}

	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("ANTHROPIC_MODEL not set, defaulting to", "model", model)
	}

	return &AnthropicClient{
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		apiKey:       apiKey,
		defaultModel: model,
	}, nil
}

func (a *AnthropicClient) resolveModel(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return a.defaultModel
}

// buildRequest converts generic messages to the Messages API payload.
// System messages are lifted to the top-level system field; prompts over
// 1KB get an ephemeral cache-control block.
func (a *AnthropicClient) buildRequest(messages []datatypes.Message, params GenerationParams, stream bool) anthropicRequest {
	var apiMessages []anthropicMessage
	var systemPrompt string
	for _, msg := range messages {
		if strings.ToLower(msg.Role) == "system" {
			systemPrompt = msg.Content
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	var systemBlocks []systemBlock
	if systemPrompt != "" {
		block := systemBlock{Type: "text", Text: systemPrompt}
		if len(systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	reqPayload := anthropicRequest{
		Model:       a.resolveModel(params),
		Messages:    apiMessages,
		System:      systemBlocks,
		MaxTokens:   anthropicMaxTokensDefault,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		StopSeqs:    params.Stop,
		Stream:      stream,
	}
	if params.MaxTokens != nil {
		reqPayload.MaxTokens = *params.MaxTokens
	}
	return reqPayload
}

func (a *AnthropicClient) newHTTPRequest(ctx context.Context, payload anthropicRequest) (*http.Request, error) {
	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicBaseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	return req, nil
}

// Generate implements the LLMClient interface.
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error) {
	payload := a.buildRequest([]datatypes.Message{{Role: "user", Content: prompt}}, params, false)
	req, err := a.newHTTPRequest(ctx, payload)
	if err != nil {
		return "", Usage{}, err
	}

	slog.Debug("Sending REST request to Anthropic", "model", payload.Model)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", Usage{}, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return "", Usage{}, fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Content) == 0 {
		return "", Usage{}, fmt.Errorf("received empty content from Anthropic")
	}

	finalText := ""
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			finalText += block.Text
		}
	}
	if finalText == "" {
		return "", Usage{}, fmt.Errorf("received content but no text block found")
	}

	usage := Usage{
		PromptTokens:     apiResp.Usage.InputTokens,
		CompletionTokens: apiResp.Usage.OutputTokens,
		TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
	}
	return finalText, usage, nil
}

// ChatStream implements the LLMClient interface.
//
// # Description
//
// Opens a streaming Messages call and forwards text deltas from
// content_block_delta events to the callback. Input token usage arrives
// on message_start; output token usage on the final message_delta.
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) (Usage, error) {
	payload := a.buildRequest(messages, params, true)
	req, err := a.newHTTPRequest(ctx, payload)
	if err != nil {
		return Usage{}, err
	}
	req.Header.Set("accept", "text/event-stream")

	slog.Debug("Opening Anthropic stream", "model", payload.Model)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Usage{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Usage{}, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var usage Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			slog.Warn("Skipping unparseable Anthropic stream frame", "error", err)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				if err := callback(event.Delta.Text); err != nil {
					return usage, err
				}
			}
		case "message_delta":
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			return usage, nil
		case "error":
			if event.Error != nil {
				return usage, fmt.Errorf("anthropic API error: %s - %s", event.Error.Type, event.Error.Message)
			}
			return usage, fmt.Errorf("anthropic API error")
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("anthropic stream read failed: %w", err)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage, nil
}
