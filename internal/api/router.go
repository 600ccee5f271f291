// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api is the HTTP ingress of the analysis pipeline.
package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/services"
)

// NewRouter returns the gin engine serving every route. serviceName names
// the spans of the tracing middleware.
func NewRouter(serviceName string, service *services.AnalysisService) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(cors.Default())

	h := &handlers{service: service}
	analysisRoutes(r.Group(""), h)
	dashboardRoutes(r.Group(""), h)
	return r
}

// analysisRoutes registers the task routes.
func analysisRoutes(r *gin.RouterGroup, h *handlers) {
	analysis := r.Group("/analysis")
	{
		analysis.POST("", h.submit)
		analysis.GET("/stuck", h.stuck)
		analysis.GET("/:id", h.get)
		analysis.DELETE("/:id", h.delete)
		analysis.GET("/:id/progress", h.progress)
		analysis.GET("/:id/segments", h.segments)
		analysis.GET("/:id/segments/:segment_id", h.segment)
		analysis.GET("/:id/segments/:segment_id/results/:result_id/url", h.resultURL)
	}
}

// dashboardRoutes registers the aggregate views.
func dashboardRoutes(r *gin.RouterGroup, h *handlers) {
	stats := r.Group("/stats")
	{
		stats.GET("", h.stats)
	}
}
