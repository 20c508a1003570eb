// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/northstarhq/northstar/pkg/logging"
	"github.com/northstarhq/northstar/services/coach/completion"
	"github.com/northstarhq/northstar/services/coach/config"
	"github.com/northstarhq/northstar/services/coach/contextasm"
	"github.com/northstarhq/northstar/services/coach/crisis"
	"github.com/northstarhq/northstar/services/coach/engine"
	"github.com/northstarhq/northstar/services/coach/handlers"
	"github.com/northstarhq/northstar/services/coach/middleware"
	"github.com/northstarhq/northstar/services/coach/observability"
	"github.com/northstarhq/northstar/services/coach/quota"
	"github.com/northstarhq/northstar/services/coach/routes"
	"github.com/northstarhq/northstar/services/coach/sideeffects"
	"github.com/northstarhq/northstar/services/coach/storage"
	"github.com/northstarhq/northstar/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "northstar-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("coach-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildRegistry wires the provider clients named by the routing policy.
// Both production providers are registered when their credentials exist;
// at least one must come up or startup fails.
func buildRegistry() (*llm.Registry, error) {
	registry := llm.NewRegistry()
	registered := 0

	if client, err := llm.NewOpenAIClient(); err != nil {
		slog.Warn("OpenAI client unavailable", "error", err)
	} else {
		registry.Register("openai", client)
		registered++
		slog.Info("Registered OpenAI LLM backend")
	}

	if client, err := llm.NewAnthropicClient(); err != nil {
		slog.Warn("Anthropic client unavailable", "error", err)
	} else {
		registry.Register("anthropic", client)
		registered++
		slog.Info("Registered Anthropic LLM backend")
	}

	if os.Getenv("OLLAMA_BASE_URL") != "" {
		if client, err := llm.NewOllamaClient(); err != nil {
			slog.Warn("Ollama client unavailable", "error", err)
		} else {
			registry.Register("ollama", client)
			registered++
			slog.Info("Registered Ollama LLM backend")
		}
	}

	if registered == 0 {
		return nil, errors.New("no LLM provider could be configured")
	}
	return registry, nil
}

// buildAuthProvider reads the static token table from COACH_AUTH_TOKENS
// ("token=userID,token=userID"). Production deployments replace this with
// a real identity provider behind the same interface.
func buildAuthProvider() middleware.AuthProvider {
	tokens := map[string]string{}
	for _, pair := range strings.Split(os.Getenv("COACH_AUTH_TOKENS"), ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			tokens[parts[0]] = parts[1]
		}
	}
	if len(tokens) == 0 {
		slog.Warn("COACH_AUTH_TOKENS not set; no tokens will validate")
	}
	return middleware.NewStaticAuthProvider(tokens)
}

func main() {
	port := os.Getenv("COACH_PORT")
	if port == "" {
		port = "12310"
	}

	closeLogs, err := logging.Setup(logging.FromEnv())
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer func() {
		if err := closeLogs(); err != nil {
			slog.Error("log file close failed", "error", err)
		}
	}()

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	// --- Pipeline policy (hot reloaded) ---
	cfgManager, err := config.NewManager(os.Getenv("COACH_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfgManager.Watch(); err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	}
	defer cfgManager.Close()
	pol := cfgManager.Current()

	// --- Storage ---
	dataDir := os.Getenv("COACH_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/northstar/coach"
	}
	db, err := quota.OpenStore(quota.DefaultStoreConfig(dataDir))
	if err != nil {
		log.Fatalf("failed to open data store: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("data store close failed", "error", err)
		}
	}()
	store := storage.New(db)
	gate := quota.NewBadgerLedger(db, pol.Quota, quota.SystemClock{})

	// --- Providers ---
	registry, err := buildRegistry()
	if err != nil {
		log.Fatalf("failed to configure LLM providers: %v", err)
	}

	// --- Pipeline components ---
	queue := sideeffects.NewQueue(sideeffects.Options{})
	defer queue.Close()

	assembler := contextasm.NewAssembler(store, store, store, &contextasm.TextSummarizer{}, store,
		contextasm.Options{
			HistoryLimit: pol.Context.HistoryLimit,
			Timeout:      time.Duration(pol.Context.TimeoutMS) * time.Millisecond,
		})
	completer := completion.NewHandler(store, store, store, store, nil, queue, pol.Completion)

	streamHandler := handlers.NewCoachStreamHandler(
		cfgManager,
		store,
		gate,
		crisis.NewKeywordDetector(),
		assembler,
		engine.New(registry),
		registry,
		completer,
		metrics,
	)

	// --- HTTP surface ---
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("coach-service"))
	routes.SetupRoutes(router, streamHandler, buildAuthProvider(), pol.RateLimit)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
		// No WriteTimeout: streams legitimately outlive any fixed bound
		// and the heartbeat keeps dead connections from lingering.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting coach service", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down coach service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}
