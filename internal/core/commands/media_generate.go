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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines the
// command that runs a generation request against the video or image client.
//
// Logic Flow:
//  1. The request is read from the input parameter.
//  2. The generator registered for the request kind runs it. For video this
//     covers the rate limiter, submission, polling, and materialization; the
//     call blocks until the job finishes or the context is cancelled.
//  3. The result is stored under `ResultParam` whether or not the generation
//     succeeded, so later steps (persistence, the job service) can record it.
//  4. A failure is recorded as a chain error carrying the typed error, which
//     the Pub/Sub listener uses to decide between ack and nack.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Generator runs one generation request. Both *generation.Client and
// *generation.ImageClient satisfy it.
type Generator interface {
	Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error)
}

// MediaGenerate dispatches a request to the generator for its kind.
type MediaGenerate struct {
	cor.BaseCommand
	generators map[model.Kind]Generator
}

// NewMediaGenerate is the constructor for the MediaGenerate command.
//
// Inputs:
//   - name: A string name for this command instance.
//   - video: Runs video requests. May be nil.
//   - image: Runs image requests. May be nil.
//
// Outputs:
//   - *MediaGenerate: A pointer to the newly instantiated command.
func NewMediaGenerate(name string, video Generator, image Generator) *MediaGenerate {
	generators := make(map[model.Kind]Generator)
	if video != nil {
		generators[model.KindVideo] = video
	}
	if image != nil {
		generators[model.KindImage] = image
	}
	return &MediaGenerate{BaseCommand: *cor.NewBaseCommand(name), generators: generators}
}

// Execute runs the generation.
//
// Inputs:
//   - context: The shared `cor.Context`. The input parameter holds a
//     `model.GenerationRequest`.
func (c *MediaGenerate) Execute(context cor.Context) {
	req, ok := cor.GetAs[model.GenerationRequest](context, c.GetInputParam())
	if !ok {
		c.Fail(context, errMissing(c.GetInputParam(), "model.GenerationRequest"))
		return
	}
	generator, ok := c.generators[req.Kind]
	if !ok {
		c.Fail(context, fmt.Errorf("no generator configured for %s requests", req.Kind))
		return
	}

	ctx, span := c.GetTracer().Start(context.GetContext(), fmt.Sprintf("%s-%s", c.GetName(), req.Kind))
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.ID),
		attribute.String("kind", string(req.Kind)),
	)

	res, err := generator.Generate(ctx, req)
	if res != nil {
		context.Add(ResultParam, res)
		span.SetAttributes(
			attribute.String("state", string(res.State)),
			attribute.Int("attempts", res.Attempts),
			attribute.Float64("cost", res.Cost),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		slog.WarnContext(ctx, "generation failed", "request_id", req.ID, "kind", req.Kind, "error", err)
		c.Fail(context, err)
		return
	}

	span.SetStatus(codes.Ok, "generated")
	slog.InfoContext(ctx, "generation completed",
		"request_id", req.ID,
		"artifacts", len(res.Artifacts),
		"cost", res.Cost,
		"duration", res.Duration)
	c.Succeed(context)
	context.Add(c.GetOutputParam(), res)
}

func errMissing(param, typeName string) error {
	return fmt.Errorf("context parameter %s does not hold a %s", param, typeName)
}
