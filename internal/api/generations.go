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

// Package api contains the HTTP route definitions of the generation server.
//
// Routes (under /api/v1):
//   - POST /generations: Accepts a GenerationRequest and returns 202 with the job.
//   - GET /generations/:id: Returns the job, with its result once finished.
//   - GET /generations/:id/artifacts/:index/url: Returns a signed URL for an
//     uploaded artifact.
//   - GET /limiter: Returns a snapshot of the shared rate limiter.
//   - GET /results, GET /results/:request_id, GET /costs: Read the BigQuery
//     results table.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/services"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Jobs submits requests and reads jobs back.
type Jobs interface {
	Submit(ctx context.Context, req model.GenerationRequest) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
}

// ArtifactSigner issues signed URLs for uploaded artifacts.
type ArtifactSigner interface {
	ArtifactURL(ctx context.Context, job *model.Job, index int, ttl time.Duration) (model.Artifact, error)
}

// Handlers holds what the routes need. Signer and History may be nil, in
// which case their routes answer 501.
type Handlers struct {
	Jobs    Jobs
	Signer  ArtifactSigner
	History History
	Limiter LimiterStatus
	URLTTL  time.Duration
}

// NewRouter builds the gin engine with tracing, CORS and every route.
func NewRouter(serviceName string, h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(cors.Default())

	apiV1 := r.Group("/api/v1")
	{
		GenerationRouter(apiV1, h)
		Dashboard(apiV1, h.Limiter)
		HistoryRouter(apiV1, h.History)
	}
	return r
}

// GenerationRouter sets up the routes for submitting and inspecting jobs.
func GenerationRouter(r *gin.RouterGroup, h *Handlers) {
	generations := r.Group("/generations")
	{
		generations.POST("", func(c *gin.Context) {
			var req model.GenerationRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			job, err := h.Jobs.Submit(c.Request.Context(), req)
			switch {
			case errors.Is(err, services.ErrInvalidRequest):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			case errors.Is(err, services.ErrShuttingDown):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			case err != nil:
				slog.ErrorContext(c.Request.Context(), "failed to submit job", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "could not accept the request"})
				return
			}
			c.Header("Location", "/api/v1/generations/"+job.ID)
			c.JSON(http.StatusAccepted, job)
		})

		generations.GET("/:id", func(c *gin.Context) {
			job, ok := lookup(c, h.Jobs)
			if !ok {
				return
			}
			c.JSON(http.StatusOK, job)
		})

		// Signed URL for streaming or downloading one artifact.
		generations.GET("/:id/artifacts/:index/url", func(c *gin.Context) {
			if h.Signer == nil {
				c.JSON(http.StatusNotImplemented, gin.H{"error": "artifact uploads are not configured"})
				return
			}
			index, err := strconv.Atoi(c.Param("index"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a number"})
				return
			}
			job, ok := lookup(c, h.Jobs)
			if !ok {
				return
			}
			if !job.State.IsTerminal() {
				c.JSON(http.StatusConflict, gin.H{"error": "job has not finished", "state": job.State})
				return
			}
			artifact, err := h.Signer.ArtifactURL(c.Request.Context(), job, index, h.URLTTL)
			switch {
			case errors.Is(err, services.ErrArtifactNotUploaded):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			case err != nil && (job.Result == nil || index < 0 || index >= len(job.Result.Artifacts)):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			case err != nil:
				slog.ErrorContext(c.Request.Context(), "failed to sign artifact url", "job_id", job.ID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate the artifact url"})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"url":        artifact.PublicURL,
				"uri":        artifact.URI,
				"mime_type":  artifact.MIMEType,
				"expires_in": int(h.URLTTL.Seconds()),
			})
		})
	}
}

func lookup(c *gin.Context, jobs Jobs) (*model.Job, bool) {
	job, err := jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, services.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "failed to read job", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read the job"})
		return nil, false
	}
	return job, true
}
