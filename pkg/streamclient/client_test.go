// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streamclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

func testRequest() datatypes.CoachTurnRequest {
	return datatypes.CoachTurnRequest{
		RequestID:      "9f1a7d66-3a4e-4d8f-9c1b-2e7a5b6c8d90",
		Timestamp:      time.Now().UnixMilli(),
		ConversationID: "2b8c4e11-7f3d-4a6b-8e9f-1c5d3a7b9e20",
		Message:        "hello",
	}
}

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
	}
}

func TestStreamTurnHappyPath(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		": ping\n\n",
		`data: {"type":"token","content":"Hel"}`+"\n\n",
		`data: {"type":"token","content":"lo"}`+"\n\n",
		`data: {"type":"done","message_id":"m-1","usage":{"total_tokens":42}}`+"\n\n",
	))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL, Token: "tok"})
	var tokens []string
	var done *datatypes.DoneEvent

	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{
		OnToken: func(ev datatypes.TokenEvent) { tokens = append(tokens, ev.Content) },
		OnDone:  func(ev datatypes.DoneEvent) { done = &ev },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	require.NotNil(t, done)
	assert.Equal(t, "m-1", done.MessageID)
	assert.Equal(t, 42, done.Usage.TotalTokens)
}

func TestStreamTurnSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		"data: {not json}\n\n",
		`data: {"type":"mystery"}`+"\n\n",
		`data: {"type":"token","content":"ok"}`+"\n\n",
		`data: {"type":"done","message_id":"m-1"}`+"\n\n",
	))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL})
	var tokens []string
	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{
		OnToken: func(ev datatypes.TokenEvent) { tokens = append(tokens, ev.Content) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, tokens)
}

func TestStreamTurnServerErrorEvent(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`data: {"type":"token","content":"partial"}`+"\n\n",
		`data: {"type":"error","message":"please try again"}`+"\n\n",
	))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL})
	var errEv *datatypes.ErrorEvent
	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{
		OnError: func(ev datatypes.ErrorEvent) { errEv = &ev },
	})
	// A graceful server-side error event is not a transport failure.
	require.NoError(t, err)
	require.NotNil(t, errEv)
	assert.Equal(t, "please try again", errEv.Message)
}

func TestStreamTurnRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate_limited","message":"out of messages","is_trial":true,"remaining_until_reset":"2026-08-24T00:00:00Z","current_count":25,"limit":25}`)
	}))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL})
	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{})

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.True(t, rl.IsTrial)
	assert.Equal(t, 25, rl.CurrentCount)
	assert.Equal(t, 25, rl.Limit)
	require.NotNil(t, rl.RemainingUntilReset)
}

func TestStreamTurnSubscriptionRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"subscription_required","discovery_completed":true}`)
	}))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL})
	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{})

	var sr *SubscriptionRequiredError
	require.ErrorAs(t, err, &sr)
	assert.True(t, sr.DiscoveryCompleted)
}

func TestStreamTurnRetriesOnceOnTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		sseHandler(`data: {"type":"done","message_id":"m-1"}` + "\n\n").ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL, RetryBackoff: 10 * time.Millisecond})
	var done bool
	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{
		OnDone: func(datatypes.DoneEvent) { done = true },
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestStreamTurnDoesNotRetryAfterData(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		// One token, then the connection dies with no terminal event.
		sseHandler(`data: {"type":"token","content":"partial"}` + "\n\n").ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL, RetryBackoff: 10 * time.Millisecond})
	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load(), "a stream that already produced data must not be replayed")
}

func TestStreamTurnDoesNotRetryStructuredRejection(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate_limited","is_trial":true,"current_count":25,"limit":25}`)
	}))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL, RetryBackoff: 10 * time.Millisecond})
	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestStreamTurnExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL, RetryBackoff: 10 * time.Millisecond})
	err := client.StreamTurn(context.Background(), testRequest(), Callbacks{})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestStreamTurnCancellationIsClean(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"type":"token","content":"one"}`+"\n\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := New(Options{BaseURL: srv.URL})

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.StreamTurn(ctx, testRequest(), Callbacks{
			OnToken: func(datatypes.TokenEvent) { cancel() },
		})
	}()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "cancellation must not surface as an error")
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop after cancellation")
	}
}

func TestIsTransientClassification(t *testing.T) {
	assert.True(t, isTransient(&transientError{errors.New("boom")}))
	assert.False(t, isTransient(errors.New("boom")))
	assert.False(t, isTransient(&HTTPError{StatusCode: 404}))
}
