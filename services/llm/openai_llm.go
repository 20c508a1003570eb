// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// OpenAIClient serves the "openai" provider slot in the registry.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// Compile-time interface check.
var _ LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient reads credentials from OPENAI_API_KEY, falling back to
// the container secret mount, and returns a ready client.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "default_model", model)
	return &OpenAIClient{
		client:       openai.NewClient(apiKey),
		defaultModel: model,
	}, nil
}

// resolveModel prefers the router-selected model over the env default.
func (o *OpenAIClient) resolveModel(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return o.defaultModel
}

// Generate implements the LLMClient interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error) {
	model := o.resolveModel(params)
	slog.Debug("Generating text via OpenAI", "model", model)
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	applyParams(&req, params)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", Usage{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return "", Usage{}, fmt.Errorf("OpenAI returned no choices")
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// ChatStream implements the LLMClient interface.
//
// # Description
//
// Opens a streaming completion and forwards each content delta to the
// callback. StreamOptions.IncludeUsage makes the API send a final chunk
// carrying token accounting, which is returned to the caller.
//
// # Limitations
//
//   - A callback error aborts the stream and is returned as-is so the
//     handler can tell client disconnects from provider failures.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) (Usage, error) {
	model := o.resolveModel(params)
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	applyParams(&req, params)

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI stream creation failed", "error", err)
		return Usage{}, fmt.Errorf("OpenAI stream creation failed: %w", err)
	}
	defer stream.Close()

	var usage Usage
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			slog.Error("OpenAI stream receive failed", "error", err)
			return usage, fmt.Errorf("OpenAI stream receive failed: %w", err)
		}
		// The usage chunk arrives last, with an empty Choices slice.
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := callback(delta); err != nil {
			return usage, err
		}
	}
}

// applyParams copies optional tuning fields onto the request.
func applyParams(req *openai.ChatCompletionRequest, params GenerationParams) {
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
