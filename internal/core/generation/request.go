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
	"encoding/base64"
	"fmt"
	"os"

	"github.com/h2non/filetype"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// maxGuideImageBytes caps inline guide frames; Vertex rejects larger bodies.
const maxGuideImageBytes = 20 << 20

// LoadImage reads an image file and detects its MIME type from content.
func LoadImage(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%s is empty", path)
	}
	if len(data) > maxGuideImageBytes {
		return nil, "", fmt.Errorf("%s is %d bytes, above the %d byte limit", path, len(data), maxGuideImageBytes)
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to detect type of %s: %w", path, err)
	}
	if !filetype.IsImage(data) {
		return nil, "", fmt.Errorf("%s is not an image (detected %q)", path, kind.MIME.Value)
	}
	return data, kind.MIME.Value, nil
}

// loadGuideFrame reads an optional guide frame. A frame that cannot be read
// is dropped and reported as a warning; the request goes ahead without it.
func loadGuideFrame(label, path string) (*InlineImage, string) {
	if path == "" {
		return nil, ""
	}
	data, mimeType, err := LoadImage(path)
	if err != nil {
		return nil, fmt.Sprintf("%s %s skipped: %v", label, path, err)
	}
	return &InlineImage{
		BytesBase64Encoded: base64.StdEncoding.EncodeToString(data),
		MIMEType:           mimeType,
	}, ""
}

// BuildPredictRequest converts a defaulted, validated request into the
// predictLongRunning body. The returned warnings describe guide frames that
// were skipped.
func BuildPredictRequest(req model.GenerationRequest, storageURI string) (*PredictRequest, []string, error) {
	prompt, err := req.PromptText()
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	image, warning := loadGuideFrame("reference image", req.ReferenceImagePath)
	if warning != "" {
		warnings = append(warnings, warning)
	}
	lastFrame, warning := loadGuideFrame("last frame", req.LastFramePath)
	if warning != "" {
		warnings = append(warnings, warning)
	}
	if lastFrame != nil && image == nil {
		// Vertex only accepts a last frame alongside a first frame.
		warnings = append(warnings, "last frame dropped because no reference image is available")
		lastFrame = nil
	}

	return &PredictRequest{
		Instances: []PredictInstance{{
			Prompt:    prompt,
			Image:     image,
			LastFrame: lastFrame,
		}},
		Parameters: PredictParameters{
			DurationSeconds: req.DurationSeconds,
			AspectRatio:     req.AspectRatio,
			SampleCount:     req.SampleCount,
			GenerateAudio:   req.AudioEnabled(),
			Resolution:      req.Resolution,
			NegativePrompt:  req.NegativePrompt,
			Seed:            req.Seed,
			StorageURI:      storageURI,
		},
	}, warnings, nil
}
