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

// Package generation drives asynchronous generation jobs on Vertex AI to
// completion and writes their output to local storage.
//
// A video generate call moves through five sequential phases:
//
//  1. Acquire a slot from the shared rate limiter.
//  2. Obtain a bearer token.
//  3. Submit the job (predictLongRunning) and receive an operation name.
//  4. Poll the operation (fetchPredictOperation) until it is done or the
//     wall-clock budget, measured from submission, runs out.
//  5. Materialize every returned video (inline base64, gs://, or https) into
//     a uniquely named file.
//
// Only transient submission failures (5xx, 429, network) cause the whole call
// to be retried. Every other failure is terminal and is reported both as a
// typed error and as a failed GenerationResult, so batch callers can continue.
// Progress is reported as structured PhaseEvents rather than log lines.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Limiter is the part of the rate limiter a client depends on.
type Limiter interface {
	Acquire(ctx context.Context) error
	ReportSuccess()
	ReportFailure()
}

// ModelSpec maps a quality tier onto a model name and its price.
type ModelSpec struct {
	Name               string
	CostPerSecond      float64 // Price per generated second without audio.
	AudioCostPerSecond float64 // Price per second with audio; zero means same as CostPerSecond.
}

// Options configures a video Client.
type Options struct {
	Models        map[model.Quality]ModelSpec
	Defaults      model.RequestDefaults
	Poll          PollPolicy
	Retry         RetryPolicy
	StorageURI    string        // Optional gs:// prefix the service writes results to.
	CancelRemote  bool          // Send a cancel request when the caller gives up.
	CancelTimeout time.Duration // Budget for that cancel request.
}

// Client runs video generation jobs. It is safe for concurrent use; the
// limiter is the only state shared between calls.
type Client struct {
	models        map[model.Quality]ModelSpec
	defaults      model.RequestDefaults
	pollPolicy    PollPolicy
	retryPolicy   RetryPolicy
	storageURI    string
	remoteCancel  bool
	cancelTimeout time.Duration

	limiter      Limiter
	tokens       TokenSource
	transport    Transport
	materializer *Materializer
	clock        ratelimit.Clock
	observer     Observer
	tracer       trace.Tracer
	metrics      *clientMetrics
}

// ClientOption customizes a client at construction.
type ClientOption func(*Client)

// WithClock replaces the wall clock used for polling, backoff, and timestamps.
func WithClock(clock ratelimit.Clock) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithObserver registers a receiver for phase events.
func WithObserver(observer Observer) ClientOption {
	return func(c *Client) { c.observer = observer }
}

// NewClient assembles a video client from its collaborators. The limiter is
// injected so that every client drawing on one quota shares it.
func NewClient(opts Options, limiter Limiter, tokens TokenSource, transport Transport, materializer *Materializer, options ...ClientOption) *Client {
	c := &Client{
		models:        opts.Models,
		defaults:      opts.Defaults,
		pollPolicy:    opts.Poll.withDefaults(),
		retryPolicy:   opts.Retry.withDefaults(),
		storageURI:    opts.StorageURI,
		remoteCancel:  opts.CancelRemote,
		cancelTimeout: opts.CancelTimeout,
		limiter:       limiter,
		tokens:        tokens,
		transport:     transport,
		materializer:  materializer,
		clock:         ratelimit.SystemClock{},
		tracer:        otel.Tracer("video-generation"),
		metrics:       newClientMetrics("video-generation"),
	}
	if c.cancelTimeout <= 0 {
		c.cancelTimeout = 10 * time.Second
	}
	for _, opt := range options {
		opt(c)
	}
	if c.materializer != nil && c.materializer.Clock == nil {
		c.materializer.Clock = c.clock
	}
	return c
}

// Generate runs one request to a terminal outcome. The returned result is
// never nil. On failure it carries the error text and kind, and the typed
// error is returned as well.
func (c *Client) Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	req = req.WithDefaults(c.defaults)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := &model.GenerationResult{
		RequestID: req.ID,
		Kind:      model.KindVideo,
		State:     model.StatePending,
		StartedAt: c.clock.Now(),
	}
	track := newTracker(res, c.observer, c.clock)

	ctx, span := c.tracer.Start(ctx, "generate-video")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", req.ID), attribute.String("quality", string(req.Quality)))

	err := c.generate(ctx, req, track)
	finish(ctx, span, c.metrics, c.limiter, c.clock, track, err)
	return res, err
}

func (c *Client) generate(ctx context.Context, req model.GenerationRequest, track *tracker) error {
	if req.Kind != model.KindVideo {
		return &SubmissionError{Kind: SubmissionClient, Err: fmt.Errorf("video client cannot serve kind %q", req.Kind)}
	}
	if err := req.Validate(); err != nil {
		return &SubmissionError{Kind: SubmissionClient, Err: err}
	}
	spec, ok := c.models[req.Quality]
	if !ok || spec.Name == "" {
		return &SubmissionError{Kind: SubmissionClient, Err: fmt.Errorf("no model configured for quality %q", req.Quality)}
	}
	track.res.Model = spec.Name

	body, warnings, err := BuildPredictRequest(req, c.storageURI)
	if err != nil {
		return &SubmissionError{Kind: SubmissionClient, Err: err}
	}
	for _, w := range warnings {
		track.res.Warnings = append(track.res.Warnings, w)
		track.emit(model.PhaseSubmit, 0, "warning: "+w)
	}

	return runWithRetry(ctx, c.retryPolicy, track, func(int) error {
		err := c.attempt(ctx, req, spec, body, track)
		if err != nil && KindOf(err) != model.ErrorKindCancelled {
			c.limiter.ReportFailure()
		}
		return err
	})
}

// attempt is one pass through acquire, auth, submit, poll, and materialize.
func (c *Client) attempt(ctx context.Context, req model.GenerationRequest, spec ModelSpec, body *PredictRequest, track *tracker) error {
	c.metrics.attempts.Add(ctx, 1)

	track.emit(model.PhaseAcquire, 0, "waiting for rate limit slot")
	if err := c.limiter.Acquire(ctx); err != nil {
		return &CancelledError{Err: err}
	}

	track.emit(model.PhaseAuth, 0, "obtaining access token")
	token, err := c.tokens.Token(ctx)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			err = &AuthError{Err: err}
		}
		return err
	}

	track.emit(model.PhaseSubmit, 0, "submitting to "+spec.Name)
	operationName, err := c.transport.Submit(ctx, token, spec.Name, body)
	if err != nil {
		if isContextErr(err) {
			return &CancelledError{Err: err}
		}
		return err
	}
	submittedAt := c.clock.Now()
	track.res.OperationName = operationName
	track.transition(model.StateSubmitted, model.PhaseSubmit, "operation "+operationName)

	op, err := c.awaitOperation(ctx, track, token, spec.Name, operationName, submittedAt)
	if err != nil {
		if isContextErr(err) {
			c.requestCancel(ctx, track, token, operationName)
			return &CancelledError{Operation: operationName, Err: err}
		}
		return err
	}

	resp := op.Response
	if resp == nil || len(resp.Videos) == 0 {
		genErr := &GenerationError{Operation: operationName, Message: "operation completed without any videos"}
		if resp != nil {
			genErr.FilteredCount = resp.RAIMediaFilteredCount
			genErr.FilteredReasons = resp.RAIMediaFilteredReasons
		}
		return genErr
	}
	if resp.RAIMediaFilteredCount > 0 {
		w := fmt.Sprintf("%d video(s) removed by safety filters: %s", resp.RAIMediaFilteredCount, strings.Join(resp.RAIMediaFilteredReasons, "; "))
		track.res.Warnings = append(track.res.Warnings, w)
	}
	track.res.Cost = Cost(spec, req.DurationSeconds, len(resp.Videos), req.AudioEnabled())

	track.emit(model.PhaseMaterialize, track.res.Polls, fmt.Sprintf("writing %d video(s)", len(resp.Videos)))
	sources := make([]Source, 0, len(resp.Videos))
	for _, v := range resp.Videos {
		sources = append(sources, Source{Base64: v.BytesBase64Encoded, URI: v.GCSURI, MIMEType: v.MIMEType})
	}
	artifacts, err := c.materializer.materializeAll(ctx, req.OutputPrefix, sources)
	if err != nil {
		return err
	}
	for i := range artifacts {
		artifacts[i].DurationSeconds = req.DurationSeconds
		artifacts[i].Quality = req.Quality
	}
	track.res.Artifacts = artifacts
	return nil
}

// requestCancel asks the service to stop an abandoned operation. It runs on a
// context detached from the caller's, which has already ended.
func (c *Client) requestCancel(ctx context.Context, track *tracker, token, operationName string) {
	if !c.remoteCancel {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cancelTimeout)
	defer cancel()
	if err := c.transport.Cancel(cancelCtx, token, operationName); err != nil {
		track.emit(model.PhasePoll, track.res.Polls, fmt.Sprintf("remote cancel failed: %v", err))
		return
	}
	track.emit(model.PhasePoll, track.res.Polls, "remote cancel requested")
}

// Cost prices a finished job: seconds x videos x per-second rate.
func Cost(spec ModelSpec, durationSeconds, videos int, audio bool) float64 {
	rate := spec.CostPerSecond
	if audio && spec.AudioCostPerSecond > 0 {
		rate = spec.AudioCostPerSecond
	}
	return float64(durationSeconds*videos) * rate
}

// finish stamps the terminal state on a result and reports the outcome to the
// limiter, the span, and the outcome counter.
func finish(ctx context.Context, span trace.Span, metrics *clientMetrics, limiter Limiter, clock ratelimit.Clock, track *tracker, err error) {
	res := track.res
	res.CompletedAt = clock.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)

	if err == nil {
		limiter.ReportSuccess()
		res.Success = true
		track.transition(model.StateCompleted, model.PhaseComplete, fmt.Sprintf("%d artifact(s) written", len(res.Artifacts)))
		span.SetStatus(codes.Ok, "generation completed")
	} else {
		res.Success = false
		res.Error = err.Error()
		res.ErrorKind = KindOf(err)
		next := terminalState(err)
		if !res.State.CanTransitionTo(next) {
			next = model.StateFailed
		}
		track.transition(next, model.PhaseComplete, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.ErrorKind))
	}
	span.SetAttributes(
		attribute.String("operation", res.OperationName),
		attribute.Int("attempts", res.Attempts),
		attribute.Int("polls", res.Polls),
	)
	metrics.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", res.Success),
		attribute.String("error_kind", string(res.ErrorKind)),
	))
}
