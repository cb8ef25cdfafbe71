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

// Package model defines the data structures shared by the generation client,
// the workflow commands, and the API layer. This file holds the transient
// types: values that live only for the duration of a single generation call
// (the request, the remote operation snapshot, and the per-phase events).
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects which generator handles a request.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

// Quality is the model tier a request is generated with. Each tier maps to a
// configured model name and a per-second price.
type Quality string

const (
	QualityFast     Quality = "fast"
	QualityStandard Quality = "standard"
)

// GenerationRequest is the caller-supplied description of the desired output.
// It is passed by value and never modified once handed to a client.
type GenerationRequest struct {
	ID                 string         `json:"id,omitempty"`
	Kind               Kind           `json:"kind,omitempty"`
	Prompt             string         `json:"prompt,omitempty"`
	StructuredPrompt   map[string]any `json:"structured_prompt,omitempty"` // Sent as JSON text in place of Prompt when set.
	NegativePrompt     string         `json:"negative_prompt,omitempty"`
	DurationSeconds    int            `json:"duration_seconds,omitempty"`
	AspectRatio        string         `json:"aspect_ratio,omitempty"`
	Resolution         string         `json:"resolution,omitempty"`
	Quality            Quality        `json:"quality,omitempty"`
	SampleCount        int            `json:"sample_count,omitempty"`
	GenerateAudio      *bool          `json:"generate_audio,omitempty"`
	ReferenceImagePath string         `json:"reference_image_path,omitempty"` // First frame for image-to-video.
	LastFramePath      string         `json:"last_frame_path,omitempty"`
	Seed               *int64         `json:"seed,omitempty"`
	OutputPrefix       string         `json:"output_prefix,omitempty"`
}

// RequestDefaults fills the optional fields of a GenerationRequest.
type RequestDefaults struct {
	DurationSeconds int
	AspectRatio     string
	Resolution      string
	Quality         Quality
	SampleCount     int
	GenerateAudio   bool
	OutputPrefix    string
}

// WithDefaults returns a copy of the request with every unset optional field
// taken from d.
func (r GenerationRequest) WithDefaults(d RequestDefaults) GenerationRequest {
	if r.Kind == "" {
		r.Kind = KindVideo
	}
	if r.DurationSeconds == 0 {
		r.DurationSeconds = d.DurationSeconds
	}
	if r.AspectRatio == "" {
		r.AspectRatio = d.AspectRatio
	}
	if r.Resolution == "" {
		r.Resolution = d.Resolution
	}
	if r.Quality == "" {
		r.Quality = d.Quality
	}
	if r.SampleCount == 0 {
		r.SampleCount = d.SampleCount
	}
	if r.GenerateAudio == nil {
		audio := d.GenerateAudio
		r.GenerateAudio = &audio
	}
	if r.OutputPrefix == "" {
		r.OutputPrefix = d.OutputPrefix
	}
	return r
}

// AudioEnabled reports whether audio generation was requested.
func (r GenerationRequest) AudioEnabled() bool {
	return r.GenerateAudio != nil && *r.GenerateAudio
}

var videoAspectRatios = map[string]bool{"16:9": true, "9:16": true}

var imageAspectRatios = map[string]bool{
	"1:1": true, "3:2": true, "2:3": true, "3:4": true, "4:3": true,
	"4:5": true, "5:4": true, "9:16": true, "16:9": true, "21:9": true,
}

// Validate checks the request after defaults have been applied.
func (r GenerationRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Prompt) == "" && len(r.StructuredPrompt) == 0 {
		errs = append(errs, errors.New("prompt or structured_prompt is required"))
	}
	switch r.Kind {
	case KindVideo:
		if r.DurationSeconds < 1 || r.DurationSeconds > 60 {
			errs = append(errs, fmt.Errorf("duration_seconds %d out of range", r.DurationSeconds))
		}
		if r.AspectRatio != "" && !videoAspectRatios[r.AspectRatio] {
			errs = append(errs, fmt.Errorf("unsupported video aspect ratio %q", r.AspectRatio))
		}
		if r.Resolution != "" && r.Resolution != "720p" && r.Resolution != "1080p" {
			errs = append(errs, fmt.Errorf("unsupported resolution %q", r.Resolution))
		}
	case KindImage:
		if r.AspectRatio != "" && !imageAspectRatios[r.AspectRatio] {
			errs = append(errs, fmt.Errorf("unsupported image aspect ratio %q", r.AspectRatio))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q", r.Kind))
	}
	if r.SampleCount < 1 || r.SampleCount > 4 {
		errs = append(errs, fmt.Errorf("sample_count %d out of range 1-4", r.SampleCount))
	}
	if r.Quality != "" && r.Quality != QualityFast && r.Quality != QualityStandard {
		errs = append(errs, fmt.Errorf("unknown quality %q", r.Quality))
	}
	return errors.Join(errs...)
}

// PromptText is the prompt string sent to the model: the structured prompt
// serialized as JSON when present, otherwise the free text.
func (r GenerationRequest) PromptText() (string, error) {
	if len(r.StructuredPrompt) == 0 {
		return r.Prompt, nil
	}
	b, err := json.Marshal(r.StructuredPrompt)
	if err != nil {
		return "", fmt.Errorf("failed to serialize structured prompt: %w", err)
	}
	return string(b), nil
}

// OperationError is the error object of a finished long-running operation.
type OperationError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Details []json.RawMessage `json:"details,omitempty"`
}

// VideoPayload is one generated video inside an operation response. Exactly
// one of GCSURI and BytesBase64Encoded is normally set.
type VideoPayload struct {
	GCSURI             string `json:"gcsUri,omitempty"`
	BytesBase64Encoded string `json:"bytesBase64Encoded,omitempty"`
	MIMEType           string `json:"mimeType,omitempty"`
}

// OperationResponse is the payload of a successful operation.
type OperationResponse struct {
	Type                    string         `json:"@type,omitempty"`
	Videos                  []VideoPayload `json:"videos,omitempty"`
	RAIMediaFilteredCount   int            `json:"raiMediaFilteredCount,omitempty"`
	RAIMediaFilteredReasons []string       `json:"raiMediaFilteredReasons,omitempty"`
}

// Operation is a snapshot of a submitted job as last reported by the remote
// service. It is replaced wholesale on every poll and is terminal once Done.
type Operation struct {
	Name     string             `json:"name"`
	Done     bool               `json:"done,omitempty"`
	Error    *OperationError    `json:"error,omitempty"`
	Response *OperationResponse `json:"response,omitempty"`
}

// JobState is the lifecycle of one generate call.
type JobState string

const (
	StatePending   JobState = "PENDING"
	StateSubmitted JobState = "SUBMITTED"
	StatePolling   JobState = "POLLING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateTimedOut  JobState = "TIMED_OUT"
)

var transitions = map[JobState][]JobState{
	StatePending:   {StateSubmitted, StateFailed},
	StateSubmitted: {StatePolling, StateCompleted, StateFailed, StateTimedOut}, // Synchronous calls complete without polling.
	StatePolling:   {StatePolling, StateCompleted, StateFailed, StateTimedOut},
}

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Phase names one step of a generate call.
type Phase string

const (
	PhaseAcquire     Phase = "acquire"
	PhaseAuth        Phase = "auth"
	PhaseSubmit      Phase = "submit"
	PhasePoll        Phase = "poll"
	PhaseMaterialize Phase = "materialize"
	PhaseRetry       Phase = "retry"
	PhaseComplete    Phase = "complete"
)

// PhaseEvent is a structured record of progress emitted by the client in place
// of console output. Callers decide how to present it.
type PhaseEvent struct {
	RequestID string        `json:"request_id,omitempty"`
	Phase     Phase         `json:"phase"`
	State     JobState      `json:"state"`
	Attempt   int           `json:"attempt"`
	Poll      int           `json:"poll,omitempty"`
	At        time.Time     `json:"at"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}
