// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/northstarhq/northstar/services/coach/handlers"
	"github.com/northstarhq/northstar/services/coach/middleware"
)

// SetupRoutes registers the coach service's HTTP surface.
//
// Health and metrics stay outside the authenticated group; everything
// under /v1 requires a bearer token and passes the per-IP burst limiter.
func SetupRoutes(router *gin.Engine, stream *handlers.CoachStreamHandler,
	auth middleware.AuthProvider, rateLimit middleware.RateLimitConfig) {

	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.RateLimitMiddleware(rateLimit))
	v1.Use(middleware.AuthMiddleware(auth))
	{
		v1.POST("/coach/stream", stream.HandleCoachStream)
	}
}
