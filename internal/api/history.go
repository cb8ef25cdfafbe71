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

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

const defaultCostDays = 30

// History reads persisted generation records. *services.HistoryService
// satisfies it.
type History interface {
	Recent(ctx context.Context, limit int) ([]*model.GenerationRecord, error)
	ForRequest(ctx context.Context, requestID string) ([]*model.GenerationRecord, error)
	CostSummary(ctx context.Context, since time.Time) ([]*model.CostSummary, error)
}

// HistoryRouter sets up the routes over the BigQuery results table:
//   - GET /results?limit=N: The newest records.
//   - GET /results/:request_id: Every record for one request.
//   - GET /costs?days=N: Spend per model and kind over the last N days.
//
// Every route answers 501 when history is nil.
func HistoryRouter(r *gin.RouterGroup, history History) {
	unavailable := func(c *gin.Context) bool {
		if history == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "result history is not configured"})
			return true
		}
		return false
	}

	results := r.Group("/results")
	{
		results.GET("", func(c *gin.Context) {
			if unavailable(c) {
				return
			}
			limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
				return
			}
			records, err := history.Recent(c.Request.Context(), limit)
			if err != nil {
				slog.ErrorContext(c.Request.Context(), "failed to read recent results", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read results"})
				return
			}
			c.JSON(http.StatusOK, records)
		})

		results.GET("/:request_id", func(c *gin.Context) {
			if unavailable(c) {
				return
			}
			records, err := history.ForRequest(c.Request.Context(), c.Param("request_id"))
			if err != nil {
				slog.ErrorContext(c.Request.Context(), "failed to read results", "request_id", c.Param("request_id"), "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read results"})
				return
			}
			if len(records) == 0 {
				c.JSON(http.StatusNotFound, gin.H{"error": "no results for request"})
				return
			}
			c.JSON(http.StatusOK, records)
		})
	}

	r.GET("/costs", func(c *gin.Context) {
		if unavailable(c) {
			return
		}
		days, err := strconv.Atoi(c.DefaultQuery("days", strconv.Itoa(defaultCostDays)))
		if err != nil || days <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive number"})
			return
		}
		since := time.Now().AddDate(0, 0, -days)
		summary, err := history.CostSummary(c.Request.Context(), since)
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "failed to read cost summary", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read costs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"since": since.UTC(), "models": summary})
	})
}
