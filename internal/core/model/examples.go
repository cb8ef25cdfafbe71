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

// This file provides ready-made example requests. They back the CLI's
// -example flag and give tests a realistic payload without repeating it.
package model

// GetExampleStructuredPrompt returns a structured video prompt in the shape
// the prompt enricher produces.
func GetExampleStructuredPrompt() map[string]any {
	return map[string]any{
		"scene":    "A freshly painted two-storey house at the end of a quiet suburban street",
		"camera":   "slow dolly-in from the sidewalk, ending on the front door",
		"lighting": "warm golden hour sunlight with long soft shadows",
		"mood":     "calm, reassuring, homely",
		"style":    "cinematic commercial, shallow depth of field",
		"audio":    "gentle acoustic guitar, birds chirping, no dialogue",
	}
}

// GetExampleRequest returns an eight second, single sample, text-to-video request.
func GetExampleRequest() GenerationRequest {
	audio := true
	return GenerationRequest{
		ID:               "example-house-reveal",
		Kind:             KindVideo,
		StructuredPrompt: GetExampleStructuredPrompt(),
		NegativePrompt:   "text overlays, watermarks, distorted faces",
		DurationSeconds:  8,
		AspectRatio:      "16:9",
		Resolution:       "1080p",
		Quality:          QualityFast,
		SampleCount:      1,
		GenerateAudio:    &audio,
		OutputPrefix:     "house-reveal",
	}
}

// GetExampleImageRequest returns a single square product-shot image request.
func GetExampleImageRequest() GenerationRequest {
	return GenerationRequest{
		ID:           "example-paint-can",
		Kind:         KindImage,
		Prompt:       "Studio product shot of a matte white paint can on a pastel blue backdrop, soft box lighting",
		AspectRatio:  "1:1",
		SampleCount:  1,
		OutputPrefix: "paint-can",
	}
}
