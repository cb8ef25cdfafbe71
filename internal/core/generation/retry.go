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

package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// RetryPolicy bounds the whole-operation retry applied to transient
// submission failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is three attempts starting at a five second pause.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialBackoff: 5 * time.Second, MaxBackoff: time.Minute}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	return p
}

// Backoff is the pause after the given failed attempt (1-based):
// InitialBackoff * 2^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff || delay <= 0 {
			return p.MaxBackoff
		}
	}
	return min(delay, p.MaxBackoff)
}

// runWithRetry calls fn until it succeeds, fails with a non-retryable error,
// or the attempt budget is spent.
func runWithRetry(ctx context.Context, policy RetryPolicy, track *tracker, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		track.attempt = attempt
		track.res.Attempts = attempt
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= policy.MaxAttempts {
			return err
		}

		pause := policy.Backoff(attempt)
		track.emit(model.PhaseRetry, 0, fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt, pause, err))
		select {
		case <-ctx.Done():
			return &CancelledError{Err: ctx.Err()}
		case <-track.clock.After(pause):
		}
	}
}
