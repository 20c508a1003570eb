// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstarhq/northstar/services/coach/completion"
	"github.com/northstarhq/northstar/services/coach/config"
	"github.com/northstarhq/northstar/services/coach/contextasm"
	"github.com/northstarhq/northstar/services/coach/crisis"
	"github.com/northstarhq/northstar/services/coach/datatypes"
	"github.com/northstarhq/northstar/services/coach/engine"
	"github.com/northstarhq/northstar/services/coach/handlers"
	"github.com/northstarhq/northstar/services/coach/middleware"
	"github.com/northstarhq/northstar/services/coach/observability"
	"github.com/northstarhq/northstar/services/coach/quota"
	"github.com/northstarhq/northstar/services/coach/sideeffects"
	"github.com/northstarhq/northstar/services/coach/storage"
	"github.com/northstarhq/northstar/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
	observability.InitMetrics()
}

type noopLLM struct{}

func (noopLLM) Generate(context.Context, string, llm.GenerationParams) (string, llm.Usage, error) {
	return "ok", llm.Usage{}, nil
}

func (noopLLM) ChatStream(_ context.Context, _ []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) (llm.Usage, error) {
	_ = cb("ok")
	return llm.Usage{}, nil
}

type noopGate struct{}

func (noopGate) CheckAndIncrement(context.Context, string, datatypes.SubscriptionStatus, string) (quota.Result, error) {
	return quota.Result{Allowed: true}, nil
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db)

	queue := sideeffects.NewQueue(sideeffects.Options{Capacity: 4, Workers: 1})
	t.Cleanup(queue.Close)

	registry := llm.NewRegistry()
	registry.Register("openai", noopLLM{})
	registry.Register("anthropic", noopLLM{})

	cfg, err := config.NewManager("")
	require.NoError(t, err)

	stream := handlers.NewCoachStreamHandler(
		cfg,
		store,
		noopGate{},
		crisis.NewKeywordDetector(),
		contextasm.NewAssembler(store, store, store, &contextasm.TextSummarizer{}, store, contextasm.Options{}),
		engine.New(registry),
		registry,
		completion.NewHandler(store, store, store, store, nil, queue, completion.DefaultConfig()),
		observability.DefaultMetrics,
	)

	router := gin.New()
	auth := middleware.NewStaticAuthProvider(map[string]string{"tok": "user-1"})
	SetupRoutes(router, stream, auth, middleware.DefaultRateLimitConfig())
	return router
}

func TestSetupRoutesRegistersSurface(t *testing.T) {
	router := newRouter(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/healthz"},
		{"GET", "/metrics"},
		{"POST", "/v1/coach/stream"},
	}
	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", want.method, want.path)
	}
}

func TestHealthAndMetricsAreUnauthenticated(t *testing.T) {
	router := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamEndpointRequiresAuth(t *testing.T) {
	router := newRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/coach/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
