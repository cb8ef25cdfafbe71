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
// initial command in the generation workflow.
//
// Logic Flow:
// Generation requests arrive as JSON, either as the body of a Pub/Sub message
// or from the HTTP API. This command turns that JSON into a request the
// generation clients can run.
//
//  1. The command receives the raw JSON string (or bytes) from the context.
//     In-process callers may pass a `model.GenerationRequest` directly.
//  2. It unmarshals JSON into a `model.GenerationRequest`.
//  3. It fills the optional fields from the configured defaults and validates
//     the result, so a malformed request fails here rather than at the API.
//  4. The request is placed in the context under `RequestParam` and in the
//     output parameter so the next command receives it.
package commands

import (
	"encoding/json"
	"fmt"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// Well-known context keys shared by the generation commands. Commands that do
// not sit directly next to each other in a chain find their data here.
const (
	RequestParam = "__generation_request__"
	ResultParam  = "__generation_result__"
)

// GenerationRequestReader parses a generation request message.
type GenerationRequestReader struct {
	cor.BaseCommand
	defaults model.RequestDefaults
}

// NewGenerationRequestReader is the constructor for the GenerationRequestReader command.
//
// Inputs:
//   - name: A string name for this command instance.
//   - defaults: Applied to every optional field the message leaves empty.
//
// Outputs:
//   - *GenerationRequestReader: A pointer to the newly instantiated command.
func NewGenerationRequestReader(name string, defaults model.RequestDefaults) *GenerationRequestReader {
	return &GenerationRequestReader{BaseCommand: *cor.NewBaseCommand(name), defaults: defaults}
}

// Execute parses, completes, and validates the request.
//
// Inputs:
//   - context: The shared `cor.Context`. The input parameter holds the message
//     as a string, a byte slice, or a request value.
func (c *GenerationRequestReader) Execute(context cor.Context) {
	var req model.GenerationRequest
	switch in := context.Get(c.GetInputParam()).(type) {
	case string:
		if err := json.Unmarshal([]byte(in), &req); err != nil {
			c.reject(context, fmt.Errorf("failed to unmarshal generation request: %w", err))
			return
		}
	case []byte:
		if err := json.Unmarshal(in, &req); err != nil {
			c.reject(context, fmt.Errorf("failed to unmarshal generation request: %w", err))
			return
		}
	case model.GenerationRequest:
		req = in
	default:
		c.reject(context, fmt.Errorf("unsupported message type %T", in))
		return
	}
	req = req.WithDefaults(c.defaults)
	if err := req.Validate(); err != nil {
		c.reject(context, fmt.Errorf("invalid generation request %q: %w", req.ID, err))
		return
	}

	c.Succeed(context)
	context.Add(RequestParam, req)
	context.Add(c.GetOutputParam(), req)
}

// reject records a request that can never succeed as it stands. It carries the
// same classification as a 4xx from the API, so it is neither retried nor
// redelivered.
func (c *GenerationRequestReader) reject(context cor.Context, err error) {
	c.Fail(context, &generation.SubmissionError{Kind: generation.SubmissionClient, Err: err})
}
