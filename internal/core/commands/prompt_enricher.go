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

package commands

import (
	"github.com/jaycherian/gcp-go-media-generation/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/prompt"
)

// PromptEnricher expands the free-text prompt of a video request into a
// structured prompt. Requests that already carry one, and image requests, pass
// through unchanged.
type PromptEnricher struct {
	cor.BaseCommand
}

// NewPromptEnricher is the constructor for the PromptEnricher command.
func NewPromptEnricher(name string) *PromptEnricher {
	return &PromptEnricher{BaseCommand: *cor.NewBaseCommand(name)}
}

func (c *PromptEnricher) Execute(context cor.Context) {
	req, ok := cor.GetAs[model.GenerationRequest](context, c.GetInputParam())
	if !ok {
		c.Fail(context, errMissing(c.GetInputParam(), "model.GenerationRequest"))
		return
	}
	if req.Kind == model.KindVideo && len(req.StructuredPrompt) == 0 && req.Prompt != "" {
		req.StructuredPrompt = prompt.Enrich(req.Prompt).Map()
	}
	c.Succeed(context)
	context.Add(RequestParam, req)
	context.Add(c.GetOutputParam(), req)
}
