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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

func newOllamaTestClient(url string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    url,
		model:      "test-model",
	}
}

func ndjsonHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func TestOllamaChatStreamDeliversDeltasAndUsage(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":7}`,
	))
	defer srv.Close()

	client := newOllamaTestClient(srv.URL)
	var got string
	usage, err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}},
		GenerationParams{}, func(delta string) error {
			got += delta
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, "Hello", got)
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 7, usage.CompletionTokens)
	assert.Equal(t, 19, usage.TotalTokens)
}

func TestOllamaChatStreamCallbackErrorAborts(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		`{"message":{"role":"assistant","content":"one"},"done":false}`,
		`{"message":{"role":"assistant","content":"two"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	))
	defer srv.Close()

	client := newOllamaTestClient(srv.URL)
	abort := errors.New("client gone")
	calls := 0
	_, err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}},
		GenerationParams{}, func(string) error {
			calls++
			return abort
		})

	assert.ErrorIs(t, err, abort)
	assert.Equal(t, 1, calls)
}

func TestOllamaChatStreamSurfacesStreamError(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		`{"message":{"role":"assistant","content":"par"},"done":false}`,
		`{"error":"model runner crashed"}`,
	))
	defer srv.Close()

	client := newOllamaTestClient(srv.URL)
	_, err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}},
		GenerationParams{}, func(string) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "model runner crashed")
}

func TestOllamaMissingModelHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"missing\" not found"}`)
	}))
	defer srv.Close()

	client := newOllamaTestClient(srv.URL)
	_, err := client.ChatStream(context.Background(), nil, GenerationParams{Model: "missing"}, func(string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull missing")
}

func TestOllamaGenerateCollectsStream(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		`{"message":{"role":"assistant","content":"answer "},"done":false}`,
		`{"message":{"role":"assistant","content":"text"},"done":true,"prompt_eval_count":3,"eval_count":2}`,
	))
	defer srv.Close()

	client := newOllamaTestClient(srv.URL)
	text, usage, err := client.Generate(context.Background(), "prompt", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "answer text", text)
	assert.Equal(t, 5, usage.TotalTokens)
}
