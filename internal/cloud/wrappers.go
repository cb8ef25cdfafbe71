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

// Package cloud provides components for interacting with Google Cloud services.
// This file implements a wrapper around the Generative AI models handle.
// This wrapper uses the Decorator design pattern to add request pacing to
// an image model without altering the client library.
//
// The pacing here is local and per model: it keeps bursts from a single
// process under the per-second limit of the model. The project-wide quota
// window and the retry policy live in the generation client, which sits on top.
//
// Structs:
//   - QuotaAwareImageModel: Wraps a Gemini image model and adds a rate limiter.
//
// Functions:
//   - NewQuotaAwareImageModel: A constructor to create a new instance of the wrapped model.
//   - GenerateContent: Waits for the limiter, then calls the model.
package cloud

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// DefaultSafetySettings defines the content safety thresholds sent with image
// requests. Marketing imagery is generated for public use, so anything rated
// medium or above is blocked.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
}

// ContentModels is the part of *genai.Models the wrapper calls.
type ContentModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// QuotaAwareImageModel is a decorator struct that pairs a model handle with
// its generation settings and a rate limiter. It satisfies
// generation.ContentGenerator.
type QuotaAwareImageModel struct {
	GenerativeContentConfig *genai.GenerateContentConfig // Settings sent with every request.
	ModelName               string                       // The model id.
	ModelHandle             ContentModels                // Usually the Models field of a *genai.Client.
	RateLimit               *rate.Limiter                // Paces requests from this process.
}

// NewImageContentConfig builds the request settings of an image model from its
// configuration. Image models must be asked for both modalities; a request for
// IMAGE alone is rejected.
//
// Inputs:
//   - values: The image model configuration.
//
// Outputs:
//   - *genai.GenerateContentConfig: The settings sent with each request.
func NewImageContentConfig(values ImageModel) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityImage), string(genai.ModalityText)},
		SafetySettings:     DefaultSafetySettings,
	}
	if values.Temperature > 0 {
		config.Temperature = genai.Ptr[float32](values.Temperature)
	}
	if values.SystemInstructions != "" {
		config.SystemInstruction = genai.NewContentFromText(values.SystemInstructions, genai.RoleUser)
	}
	return config
}

// NewQuotaAwareImageModel is a constructor function that creates a new
// QuotaAwareImageModel.
//
// Inputs:
//   - config: The settings sent with every request.
//   - name: The model id.
//   - handle: The models handle of a genai client.
//   - requestsPerSecond: The burst size; the limiter refills one request per second.
//
// Outputs:
//   - *QuotaAwareImageModel: A pointer to the newly created wrapper.
func NewQuotaAwareImageModel(config *genai.GenerateContentConfig, name string, handle ContentModels, requestsPerSecond int) *QuotaAwareImageModel {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &QuotaAwareImageModel{
		GenerativeContentConfig: config,
		ModelName:               name,
		ModelHandle:             handle,
		RateLimit:               rate.NewLimiter(rate.Every(time.Second), requestsPerSecond),
	}
}

// GenerateContent blocks until the limiter grants a request and then calls the
// model. Errors are returned unchanged so the caller can classify them.
//
// Inputs:
//   - ctx: The context for the request. Cancelling it abandons the wait.
//   - content: The prompt contents.
//
// Outputs:
//   - *genai.GenerateContentResponse: The response from the model.
//   - error: The context error or the model error.
func (q *QuotaAwareImageModel) GenerateContent(ctx context.Context, content []*genai.Content) (*genai.GenerateContentResponse, error) {
	if err := q.RateLimit.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return q.ModelHandle.GenerateContent(ctx, q.ModelName, content, q.GenerativeContentConfig)
}
