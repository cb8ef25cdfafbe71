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

// Package ratelimit bounds the rate of outbound requests to a quota-limited
// remote API. It combines two pressures:
//
//   - A sliding window: at most MaxRequests grants may fall inside any trailing
//     interval of length Window. Grant timestamps are kept in order and anything
//     older than Window is evicted on every check.
//   - Failure backoff: after k consecutive reported failures the next grant is
//     held back until BaseBackoff * 2^k (capped at MaxBackoff) has elapsed since
//     the most recent failure.
//
// The wait before a grant is the larger of the two. The limiter never fails on
// its own; it only delays, and Acquire returns an error only when the caller's
// context ends first.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default limits used when a Config field is left at its zero value. They
// mirror the published Veo quota of ten requests per minute.
const (
	DefaultMaxRequests = 10
	DefaultWindow      = time.Minute
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 5 * time.Minute
)

// Config holds the tunables of a Limiter.
type Config struct {
	MaxRequests int           // Grants allowed inside any trailing Window.
	Window      time.Duration // Length of the sliding window.
	BaseBackoff time.Duration // Delay unit multiplied by 2^failures.
	MaxBackoff  time.Duration // Upper bound on the failure delay.
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Status is a read-only snapshot of a Limiter used for diagnostics.
type Status struct {
	InWindow            int           `json:"in_window"`
	MaxRequests         int           `json:"max_requests"`
	Window              time.Duration `json:"window"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BackoffDelay        time.Duration `json:"backoff_delay"`
	NextAllowedAt       time.Time     `json:"next_allowed_at"`
}

// Limiter is a sliding-window rate limiter with exponential failure backoff.
// A single Limiter is safe for concurrent use and is meant to be shared by
// every client that draws on the same remote quota.
type Limiter struct {
	cfg   Config
	clock Clock

	mu          sync.Mutex
	grants      []time.Time // ordered oldest first
	failures    int
	lastFailure time.Time
}

// Option customizes a Limiter at construction.
type Option func(*Limiter)

// WithClock replaces the wall clock, chiefly for tests.
func WithClock(clock Clock) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a Limiter. Zero fields in cfg fall back to the package defaults.
func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:    cfg,
		clock:  SystemClock{},
		grants: make([]time.Time, 0, cfg.MaxRequests),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Acquire blocks until one more request may be issued and records the grant.
// The check and the record happen under one lock, so two callers can never
// both take the last free slot of a window.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.evictLocked(now)
		wait := l.waitLocked(now)
		if wait <= 0 {
			l.grants = append(l.grants, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// ReportSuccess clears the consecutive failure counter.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
}

// ReportFailure extends the delay before the next grant.
func (l *Limiter) ReportFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	l.lastFailure = l.clock.Now()
}

// Status reports the current occupancy without evicting or recording anything.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	inWindow := 0
	for _, t := range l.grants {
		if now.Sub(t) < l.cfg.Window {
			inWindow++
		}
	}
	next := now
	if wait := l.waitLocked(now); wait > 0 {
		next = now.Add(wait)
	}
	return Status{
		InWindow:            inWindow,
		MaxRequests:         l.cfg.MaxRequests,
		Window:              l.cfg.Window,
		ConsecutiveFailures: l.failures,
		BackoffDelay:        l.BackoffFor(l.failures),
		NextAllowedAt:       next,
	}
}

// BackoffFor returns the failure delay applied after the given number of
// consecutive failures: zero for none, otherwise BaseBackoff * 2^failures
// capped at MaxBackoff.
func (l *Limiter) BackoffFor(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := l.cfg.BaseBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= l.cfg.MaxBackoff || delay <= 0 {
			return l.cfg.MaxBackoff
		}
	}
	return delay
}

func (l *Limiter) evictLocked(now time.Time) {
	cut := 0
	for cut < len(l.grants) && now.Sub(l.grants[cut]) >= l.cfg.Window {
		cut++
	}
	if cut > 0 {
		l.grants = append(l.grants[:0], l.grants[cut:]...)
	}
}

// waitLocked returns max(window_wait, backoff_wait) at the given instant.
// The window part counts only unexpired grants, so it is correct whether or
// not the caller evicted first.
func (l *Limiter) waitLocked(now time.Time) time.Duration {
	var windowWait time.Duration
	live := l.grants
	for len(live) > 0 && now.Sub(live[0]) >= l.cfg.Window {
		live = live[1:]
	}
	if len(live) >= l.cfg.MaxRequests {
		// The slot frees when the oldest grant that keeps the window full expires.
		oldest := live[len(live)-l.cfg.MaxRequests]
		windowWait = oldest.Add(l.cfg.Window).Sub(now)
	}

	var backoffWait time.Duration
	if l.failures > 0 {
		backoffWait = l.lastFailure.Add(l.BackoffFor(l.failures)).Sub(now)
	}

	return max(windowWait, backoffWait)
}
