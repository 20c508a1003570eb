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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

var ollamaTracer = otel.Tracer("northstar/llm/ollama")

// OllamaClient targets a local Ollama server. Used in development so the
// whole pipeline runs without cloud credentials; the routing policy names
// it like any other provider.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

var _ LLMClient = (*OllamaClient)(nil)

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

// ollamaChatChunk is one NDJSON line of a streamed chat response. The
// final line has done=true and carries the token counts.
type ollamaChatChunk struct {
	Message         datatypes.Message `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
	Error           string            `json:"error,omitempty"`
}

// NewOllamaClient creates a client from OLLAMA_BASE_URL and OLLAMA_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = "llama3.1"
		slog.Warn("OLLAMA_MODEL not set, defaulting", "model", model)
	}
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}, nil
}

// Generate implements LLMClient.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()

	var answer strings.Builder
	usage, err := o.ChatStream(ctx, []datatypes.Message{{Role: "user", Content: prompt}}, params, func(delta string) error {
		answer.WriteString(delta)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", usage, err
	}
	return answer.String(), usage, nil
}

// ChatStream implements LLMClient over Ollama's NDJSON chat stream.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) (Usage, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()

	model := params.Model
	if model == "" {
		model = o.model
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  o.options(params),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Usage{}, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Usage{}, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Usage{}, fmt.Errorf("ollama chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		if resp.StatusCode == http.StatusNotFound && strings.Contains(string(respBody), "not found") {
			return Usage{}, fmt.Errorf("model %q not found. Run: ollama pull %s", model, model)
		}
		return Usage{}, fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var usage Usage
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk ollamaChatChunk
			if jsonErr := json.Unmarshal(bytes.TrimSpace(line), &chunk); jsonErr != nil {
				return usage, fmt.Errorf("parse ollama stream chunk: %w", jsonErr)
			}
			if chunk.Error != "" {
				return usage, fmt.Errorf("ollama stream error: %s", chunk.Error)
			}
			if chunk.Message.Content != "" {
				if cbErr := callback(chunk.Message.Content); cbErr != nil {
					return usage, cbErr
				}
			}
			if chunk.Done {
				usage = Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
				return usage, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return usage, nil
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return usage, fmt.Errorf("read ollama stream: %w", err)
		}
	}
}

func (o *OllamaClient) options(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}
