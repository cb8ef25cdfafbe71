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
	"errors"
	"fmt"
	"time"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// PollPolicy controls how an operation is watched.
type PollPolicy struct {
	Interval    time.Duration // Pause before the first poll and between polls.
	MaxInterval time.Duration // Cap when Multiplier grows the interval.
	Multiplier  float64       // 1 (or 0) keeps the interval fixed.
	Timeout     time.Duration // Wall-clock budget measured from submission.
	FetchGrace  time.Duration // How long a poll may outlive the budget before it is abandoned.
}

// DefaultPollPolicy polls every ten seconds for up to ten minutes.
var DefaultPollPolicy = PollPolicy{Interval: 10 * time.Second, Multiplier: 1, Timeout: 10 * time.Minute, FetchGrace: 5 * time.Second}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultPollPolicy.Interval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultPollPolicy.Timeout
	}
	if p.FetchGrace <= 0 {
		p.FetchGrace = DefaultPollPolicy.FetchGrace
	}
	return p
}

func (p PollPolicy) next(interval time.Duration) time.Duration {
	grown := time.Duration(float64(interval) * p.Multiplier)
	return min(grown, p.MaxInterval)
}

// awaitOperation watches an operation until it is done or the deadline
// passes. Polls are issued at each interval and, finally, exactly at the
// deadline; an operation still running after that poll yields a TimeoutError
// and nothing further is sent.
func (c *Client) awaitOperation(ctx context.Context, track *tracker, token, modelName, operationName string, submittedAt time.Time) (*model.Operation, error) {
	policy := c.pollPolicy
	deadline := submittedAt.Add(policy.Timeout)
	interval := policy.Interval
	var lastErr error

	for n := 1; ; n++ {
		pause := min(interval, deadline.Sub(c.clock.Now()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(pause):
		}

		track.res.Polls = n
		c.metrics.polls.Add(ctx, 1)
		op, err := c.fetch(ctx, token, modelName, operationName, deadline)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		now := c.clock.Now()

		var detail string
		switch {
		case err != nil:
			if terminal := classifyPoll(operationName, err); terminal != nil {
				return nil, terminal
			}
			lastErr = err
			detail = fmt.Sprintf("poll %d failed, polling continues: %v", n, err)
		case op.Done:
			detail = fmt.Sprintf("poll %d: operation done", n)
		default:
			lastErr = nil
			detail = fmt.Sprintf("poll %d: operation running", n)
		}
		track.transition(model.StatePolling, model.PhasePoll, detail)

		if err == nil && op.Done {
			if op.Error != nil {
				return op, &GenerationError{
					Operation: operationName,
					Code:      op.Error.Code,
					Message:   op.Error.Message,
					Details:   op.Error.Details,
				}
			}
			return op, nil
		}

		if !now.Before(deadline) {
			return nil, &TimeoutError{
				Operation: operationName,
				Elapsed:   now.Sub(submittedAt),
				Timeout:   policy.Timeout,
				LastErr:   lastErr,
			}
		}
		interval = policy.next(interval)
	}
}

// fetch bounds a single poll by what is left of the budget plus FetchGrace,
// so a hung request cannot hold the generation past its deadline.
func (c *Client) fetch(ctx context.Context, token, modelName, operationName string, deadline time.Time) (*model.Operation, error) {
	remaining := max(deadline.Sub(c.clock.Now()), 0)
	fetchCtx, cancel := context.WithTimeout(ctx, remaining+c.pollPolicy.FetchGrace)
	defer cancel()
	return c.transport.Fetch(fetchCtx, token, modelName, operationName)
}

// isContextErr reports whether err is the caller's context ending.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
