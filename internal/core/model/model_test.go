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

package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaults = model.RequestDefaults{
	DurationSeconds: 8,
	AspectRatio:     "16:9",
	Resolution:      "1080p",
	Quality:         model.QualityStandard,
	SampleCount:     1,
	GenerateAudio:   true,
	OutputPrefix:    "veo3",
}

func TestWithDefaultsFillsOnlyUnsetFields(t *testing.T) {
	req := model.GenerationRequest{Prompt: "a cat", DurationSeconds: 4, Quality: model.QualityFast}
	out := req.WithDefaults(defaults)

	assert.Equal(t, model.KindVideo, out.Kind)
	assert.Equal(t, 4, out.DurationSeconds)
	assert.Equal(t, model.QualityFast, out.Quality)
	assert.Equal(t, "16:9", out.AspectRatio)
	assert.Equal(t, 1, out.SampleCount)
	assert.True(t, out.AudioEnabled())
	assert.Equal(t, "veo3", out.OutputPrefix)

	// The original value is untouched.
	assert.Nil(t, req.GenerateAudio)
	assert.Equal(t, model.Kind(""), req.Kind)
}

func TestValidate(t *testing.T) {
	valid := model.GenerationRequest{Prompt: "a cat"}.WithDefaults(defaults)
	require.NoError(t, valid.Validate())

	cases := map[string]func(r *model.GenerationRequest){
		"missing prompt":    func(r *model.GenerationRequest) { r.Prompt = "  " },
		"bad duration":      func(r *model.GenerationRequest) { r.DurationSeconds = 120 },
		"bad aspect":        func(r *model.GenerationRequest) { r.AspectRatio = "4:3" },
		"bad resolution":    func(r *model.GenerationRequest) { r.Resolution = "4k" },
		"too many samples":  func(r *model.GenerationRequest) { r.SampleCount = 5 },
		"unknown quality":   func(r *model.GenerationRequest) { r.Quality = "ultra" },
		"unknown kind":      func(r *model.GenerationRequest) { r.Kind = "audio" },
		"zero sample count": func(r *model.GenerationRequest) { r.SampleCount = 0 },
		"negative duration": func(r *model.GenerationRequest) { r.DurationSeconds = -1 },
		"image bad aspect":  func(r *model.GenerationRequest) { r.Kind = model.KindImage; r.AspectRatio = "7:1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := valid
			mutate(&r)
			assert.Error(t, r.Validate())
		})
	}

	img := model.GetExampleImageRequest().WithDefaults(defaults)
	assert.NoError(t, img.Validate())
}

func TestPromptTextPrefersStructuredPrompt(t *testing.T) {
	req := model.GetExampleRequest()
	req.Prompt = "ignored"
	text, err := req.PromptText()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &decoded))
	assert.Equal(t, model.GetExampleStructuredPrompt()["camera"], decoded["camera"])

	plain, err := model.GenerationRequest{Prompt: "free text"}.PromptText()
	require.NoError(t, err)
	assert.Equal(t, "free text", plain)
}

func TestJobStateTransitions(t *testing.T) {
	assert.True(t, model.StatePending.CanTransitionTo(model.StateSubmitted))
	assert.True(t, model.StateSubmitted.CanTransitionTo(model.StatePolling))
	assert.True(t, model.StatePolling.CanTransitionTo(model.StatePolling))
	assert.True(t, model.StatePolling.CanTransitionTo(model.StateCompleted))
	assert.True(t, model.StatePolling.CanTransitionTo(model.StateTimedOut))
	assert.False(t, model.StatePending.CanTransitionTo(model.StatePolling))
	assert.False(t, model.StatePending.CanTransitionTo(model.StateCompleted))

	for _, terminal := range []model.JobState{model.StateCompleted, model.StateFailed, model.StateTimedOut} {
		assert.True(t, terminal.IsTerminal())
		for _, next := range []model.JobState{model.StatePending, model.StateSubmitted, model.StatePolling, model.StateCompleted, model.StateFailed} {
			assert.False(t, terminal.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}
}

func TestOperationDecodesVertexPayload(t *testing.T) {
	raw := `{
	  "name": "projects/p/locations/us-central1/publishers/google/models/veo-3.0-generate-001/operations/abc",
	  "done": true,
	  "response": {
	    "@type": "type.googleapis.com/cloud.ai.large_models.vision.GenerateVideoResponse",
	    "raiMediaFilteredCount": 1,
	    "raiMediaFilteredReasons": ["unsafe"],
	    "videos": [{"gcsUri": "gs://bucket/out/sample_0.mp4", "mimeType": "video/mp4"}]
	  }
	}`
	var op model.Operation
	require.NoError(t, json.Unmarshal([]byte(raw), &op))
	assert.True(t, op.Done)
	assert.Nil(t, op.Error)
	require.Len(t, op.Response.Videos, 1)
	assert.Equal(t, "gs://bucket/out/sample_0.mp4", op.Response.Videos[0].GCSURI)
	assert.Equal(t, 1, op.Response.RAIMediaFilteredCount)
}

func TestNewJobAssignsIDs(t *testing.T) {
	job := model.NewJob(model.GenerationRequest{Prompt: "x"})
	_, err := uuid.Parse(job.ID)
	assert.NoError(t, err)
	assert.Equal(t, job.ID, job.Request.ID)
	assert.Equal(t, model.StatePending, job.State)
	assert.WithinDuration(t, time.Now(), job.CreatedAt, time.Second)

	kept := model.NewJob(model.GenerationRequest{ID: "mine", Prompt: "x"})
	assert.Equal(t, "mine", kept.Request.ID)
}

func TestBatchReportAggregates(t *testing.T) {
	report := model.NewBatchReport(time.Now())
	assert.Len(t, report.RunID, 12)

	report.Add(&model.GenerationResult{RequestID: "a", Success: true, Cost: 1.2, Artifacts: []model.Artifact{{Path: "/tmp/a.mp4"}}})
	report.Add(&model.GenerationResult{RequestID: "b", Success: false, Error: "boom", ErrorKind: model.ErrorKindTimeout, Cost: 3})
	report.Add(&model.GenerationResult{RequestID: "c", Success: true, Cost: 0.8})
	report.Add(&model.GenerationResult{RequestID: "d", Success: false, ErrorKind: model.ErrorKindGeneration})

	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	assert.InDelta(t, 0.5, report.SuccessRate, 1e-9)
	assert.InDelta(t, 2.0, report.TotalCost, 1e-9)
	assert.Equal(t, []string{"/tmp/a.mp4"}, report.Items[0].Artifacts)
	assert.Equal(t, model.ErrorKindTimeout, report.Items[1].ErrorKind)
}

func TestNewGenerationRecordPrefersUploadedURI(t *testing.T) {
	req := model.GenerationRequest{Prompt: "a cat"}
	res := &model.GenerationResult{
		RequestID: "r1",
		Kind:      model.KindVideo,
		Success:   true,
		State:     model.StateCompleted,
		Duration:  1500 * time.Millisecond,
		Artifacts: []model.Artifact{
			{Path: "/out/a.mp4", URI: "gs://b/a.mp4"},
			{Path: "/out/b.mp4"},
		},
	}
	rec := model.NewGenerationRecord(req, res)
	assert.Equal(t, []string{"gs://b/a.mp4", "/out/b.mp4"}, rec.ArtifactURIs)
	assert.Equal(t, "a cat", rec.Prompt)
	assert.Equal(t, int64(1500), rec.DurationMs)
	assert.Equal(t, "COMPLETED", rec.State)
}
