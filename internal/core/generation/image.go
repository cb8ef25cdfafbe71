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
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"
)

// ContentGenerator is a synchronous Gemini model that can return images.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error)
}

// ImageOptions configures an ImageClient.
type ImageOptions struct {
	ModelName    string
	CostPerImage float64
	Defaults     model.RequestDefaults
	Retry        RetryPolicy
}

// ImageClient generates still images through a Gemini image model. It shares
// the limiter, retry policy, error taxonomy, and materializer of the video
// client; the call is synchronous, so there is no polling phase.
type ImageClient struct {
	opts         ImageOptions
	retryPolicy  RetryPolicy
	limiter      Limiter
	model        ContentGenerator
	materializer *Materializer
	clock        ratelimit.Clock
	observer     Observer
	tracer       trace.Tracer
	metrics      *clientMetrics
}

// NewImageClient assembles an image client.
func NewImageClient(opts ImageOptions, limiter Limiter, generator ContentGenerator, materializer *Materializer, options ...ClientOption) *ImageClient {
	// Reuse the video client's option plumbing for clock and observer.
	base := &Client{clock: ratelimit.SystemClock{}}
	for _, opt := range options {
		opt(base)
	}
	if materializer != nil && materializer.Clock == nil {
		materializer.Clock = base.clock
	}
	return &ImageClient{
		opts:         opts,
		retryPolicy:  opts.Retry.withDefaults(),
		limiter:      limiter,
		model:        generator,
		materializer: materializer,
		clock:        base.clock,
		observer:     base.observer,
		tracer:       otel.Tracer("image-generation"),
		metrics:      newClientMetrics("image-generation"),
	}
}

// Generate produces the images described by req. Like the video client it
// always returns a result and, on failure, the typed error.
func (c *ImageClient) Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	req = req.WithDefaults(c.opts.Defaults)
	req.Kind = model.KindImage
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := &model.GenerationResult{
		RequestID: req.ID,
		Kind:      model.KindImage,
		Model:     c.opts.ModelName,
		State:     model.StatePending,
		StartedAt: c.clock.Now(),
	}
	track := newTracker(res, c.observer, c.clock)

	ctx, span := c.tracer.Start(ctx, "generate-image")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", req.ID))

	err := c.generate(ctx, req, track)
	finish(ctx, span, c.metrics, c.limiter, c.clock, track, err)
	return res, err
}

func (c *ImageClient) generate(ctx context.Context, req model.GenerationRequest, track *tracker) error {
	if err := req.Validate(); err != nil {
		return &SubmissionError{Kind: SubmissionClient, Err: err}
	}
	contents, warnings, err := buildImageContents(req)
	if err != nil {
		return &SubmissionError{Kind: SubmissionClient, Err: err}
	}
	for _, w := range warnings {
		track.res.Warnings = append(track.res.Warnings, w)
		track.emit(model.PhaseSubmit, 0, "warning: "+w)
	}

	return runWithRetry(ctx, c.retryPolicy, track, func(int) error {
		err := c.attempt(ctx, req, contents, track)
		if err != nil && KindOf(err) != model.ErrorKindCancelled {
			c.limiter.ReportFailure()
		}
		return err
	})
}

func (c *ImageClient) attempt(ctx context.Context, req model.GenerationRequest, contents []*genai.Content, track *tracker) error {
	c.metrics.attempts.Add(ctx, 1)

	// Each image is a separate model request, so each one takes its own grant.
	sources := make([]Source, 0, req.SampleCount)
	for i := 0; i < req.SampleCount; i++ {
		track.emit(model.PhaseAcquire, 0, fmt.Sprintf("waiting for rate limit slot for image %d of %d", i+1, req.SampleCount))
		if err := c.limiter.Acquire(ctx); err != nil {
			return &CancelledError{Err: err}
		}
		track.emit(model.PhaseSubmit, 0, fmt.Sprintf("requesting image %d of %d from %s", i+1, req.SampleCount, c.opts.ModelName))
		resp, err := c.model.GenerateContent(ctx, contents)
		if err != nil {
			return classifyGenAI(err)
		}
		if i == 0 {
			track.transition(model.StateSubmitted, model.PhaseSubmit, "model responded")
		}
		data, mimeType, ok := firstInlineImage(resp)
		if !ok {
			return &GenerationError{Operation: c.opts.ModelName, Message: noImageReason(resp)}
		}
		sources = append(sources, Source{Data: data, MIMEType: mimeType})
	}

	track.res.Cost = float64(len(sources)) * c.opts.CostPerImage
	track.emit(model.PhaseMaterialize, 0, fmt.Sprintf("writing %d image(s)", len(sources)))
	artifacts, err := c.materializer.materializeAll(ctx, req.OutputPrefix, sources)
	if err != nil {
		return err
	}
	track.res.Artifacts = artifacts
	return nil
}

// buildImageContents turns the prompt and optional reference image into a
// single user turn.
func buildImageContents(req model.GenerationRequest) ([]*genai.Content, []string, error) {
	prompt, err := req.PromptText()
	if err != nil {
		return nil, nil, err
	}
	if req.AspectRatio != "" {
		prompt = fmt.Sprintf("%s\n\nAspect ratio: %s.", prompt, req.AspectRatio)
	}
	if req.NegativePrompt != "" {
		prompt = fmt.Sprintf("%s\nAvoid: %s.", prompt, req.NegativePrompt)
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	var warnings []string
	if req.ReferenceImagePath != "" {
		data, mimeType, err := LoadImage(req.ReferenceImagePath)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("reference image %s skipped: %v", req.ReferenceImagePath, err))
		} else {
			parts = append(parts, genai.NewPartFromBytes(data, mimeType))
		}
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, warnings, nil
}

func firstInlineImage(resp *genai.GenerateContentResponse) ([]byte, string, bool) {
	if resp == nil {
		return nil, "", false
	}
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, part.InlineData.MIMEType, true
			}
		}
	}
	return nil, "", false
}

func noImageReason(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return "empty response"
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	var texts []string
	for _, candidate := range resp.Candidates {
		if candidate.FinishReason != "" && candidate.FinishReason != genai.FinishReasonStop {
			texts = append(texts, fmt.Sprintf("finish reason %s", candidate.FinishReason))
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	if len(texts) == 0 {
		return "response contained no image"
	}
	return "response contained no image: " + strings.Join(texts, " ")
}

// classifyGenAI maps a Gemini API failure onto the submission taxonomy.
func classifyGenAI(err error) error {
	if isContextErr(err) {
		return &CancelledError{Err: err}
	}
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) || apiErrPtr == nil {
			return &SubmissionError{Kind: SubmissionTransient, Err: err}
		}
		apiErr = *apiErrPtr
	}
	switch {
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return &AuthError{Err: err}
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return &SubmissionError{Kind: SubmissionTransient, StatusCode: apiErr.Code, Err: err}
	default:
		return &SubmissionError{Kind: SubmissionClient, StatusCode: apiErr.Code, Err: err}
	}
}
