// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streamclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// Options configure the client.
type Options struct {
	// BaseURL is the service root, e.g. "http://localhost:12310".
	BaseURL string

	// Token is the bearer token sent on every request.
	Token string

	// HTTPClient overrides the transport. The default has no overall
	// timeout: streams legitimately run for minutes.
	HTTPClient *http.Client

	// MaxAttempts caps connection attempts. Default 2: one retry, and
	// only when the failure was transient and no data had arrived yet.
	MaxAttempts int

	// RetryBackoff is the fixed wait before the retry. Default 500ms.
	RetryBackoff time.Duration
}

// Client consumes coach-turn streams.
//
// # Thread Safety
//
// Safe for concurrent use; each StreamTurn call owns its connection.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	attempts   int
	backoff    time.Duration
}

// New creates a stream client.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: opts.HTTPClient,
		attempts:   opts.MaxAttempts,
		backoff:    opts.RetryBackoff,
	}
}

// StreamTurn runs one coaching turn and delivers its events.
//
// # Description
//
// POSTs the request and reads SSE data frames until the terminal event.
// Malformed frames are skipped with a log line. A transient failure
// (network error or 5xx) is retried once with the same request ID, but
// only when zero events had been received; once data has flowed, a
// broken stream is surfaced as an error and the caller decides. Context
// cancellation stops consumption cleanly and returns nil.
//
// # Outputs
//
//   - error: nil on a terminal event or cancellation. *RateLimitError,
//     *SubscriptionRequiredError, or *HTTPError for structured rejections;
//     a transport error otherwise.
func (c *Client) StreamTurn(ctx context.Context, req datatypes.CoachTurnRequest, cb Callbacks) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		received, err := c.attemptStream(ctx, req, cb)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if received > 0 || !isTransient(err) || attempt == c.attempts {
			return err
		}
		lastErr = err
		slog.Debug("Retrying coach stream", "attempt", attempt, "error", err)
		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return nil
		}
	}
	return lastErr
}

// attemptStream makes one connection and consumes it. The returned count
// is how many events arrived before failure, which gates the retry.
func (c *Client) attemptStream(ctx context.Context, turnReq datatypes.CoachTurnRequest, cb Callbacks) (int, error) {
	body, err := json.Marshal(turnReq)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/coach/stream", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &transientError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, decodeRejection(resp)
	}

	return c.consume(ctx, resp.Body, cb)
}

// consume reads data frames until a terminal event or stream end.
func (c *Client) consume(ctx context.Context, body io.Reader, cb Callbacks) (int, error) {
	received := 0
	reader := newFrameReader(body)
	for {
		data, err := reader.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The server hung up without a terminal event.
				return received, &transientError{errors.New("stream ended without terminal event")}
			}
			if ctx.Err() != nil {
				return received, ctx.Err()
			}
			return received, &transientError{err}
		}

		var probe struct {
			Type string `json:"type"`
		}
		if jsonErr := json.Unmarshal(data, &probe); jsonErr != nil {
			slog.Debug("Skipping malformed stream frame", "error", jsonErr)
			continue
		}

		switch probe.Type {
		case datatypes.EventTypeToken:
			var ev datatypes.TokenEvent
			if json.Unmarshal(data, &ev) != nil {
				slog.Debug("Skipping malformed token event")
				continue
			}
			received++
			if cb.OnToken != nil {
				cb.OnToken(ev)
			}
		case datatypes.EventTypeDone:
			var ev datatypes.DoneEvent
			if json.Unmarshal(data, &ev) != nil {
				slog.Debug("Skipping malformed done event")
				continue
			}
			if cb.OnDone != nil {
				cb.OnDone(ev)
			}
			return received + 1, nil
		case datatypes.EventTypeError:
			var ev datatypes.ErrorEvent
			if json.Unmarshal(data, &ev) != nil {
				slog.Debug("Skipping malformed error event")
				continue
			}
			if cb.OnError != nil {
				cb.OnError(ev)
			}
			return received + 1, nil
		default:
			slog.Debug("Skipping unknown stream event type", "type", probe.Type)
		}
	}
}

// =============================================================================
// Frame Reading
// =============================================================================

// frameReader extracts "data:" payloads from an SSE byte stream,
// ignoring comments and blank separators.
type frameReader struct {
	reader *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{reader: bufio.NewReader(r)}
}

func (f *frameReader) next() ([]byte, error) {
	for {
		line, err := f.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			return data, nil
		}
		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return data, nil
		}
	}
}

// =============================================================================
// Rejection and Retry Classification
// =============================================================================

// decodeRejection turns a non-200 response into a typed error.
func decodeRejection(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		var rl datatypes.RateLimitedResponse
		if json.Unmarshal(body, &rl) == nil && rl.Error == "rate_limited" {
			return &RateLimitError{rl}
		}
	case http.StatusForbidden:
		var sr datatypes.SubscriptionRequiredResponse
		if json.Unmarshal(body, &sr) == nil && sr.Error == "subscription_required" {
			return &SubscriptionRequiredError{sr}
		}
	}

	err := &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode >= 500 {
		return &transientError{err}
	}
	return err
}

// transientError marks failures worth one retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
