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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/ratelimit"
)

// LimiterStatus is implemented by *ratelimit.Limiter.
type LimiterStatus interface {
	Status() ratelimit.Status
}

// Dashboard exposes the occupancy of the shared rate limiter at /limiter, so
// an operator can see why requests are waiting.
func Dashboard(r *gin.RouterGroup, limiter LimiterStatus) {
	r.GET("/limiter", func(c *gin.Context) {
		if limiter == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "no limiter configured"})
			return
		}
		s := limiter.Status()
		c.JSON(http.StatusOK, gin.H{
			"in_window":             s.InWindow,
			"max_requests":          s.MaxRequests,
			"window_seconds":        s.Window.Seconds(),
			"consecutive_failures":  s.ConsecutiveFailures,
			"backoff_delay_seconds": s.BackoffDelay.Seconds(),
			"next_allowed_at":       s.NextAllowedAt,
			"remaining_in_window":   max(s.MaxRequests-s.InWindow, 0),
		})
	})
}
