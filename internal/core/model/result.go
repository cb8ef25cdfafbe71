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

package model

import "time"

// ErrorKind classifies a failed generation for reports and metrics.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindAuth                ErrorKind = "auth"
	ErrorKindSubmissionClient    ErrorKind = "submission_client"
	ErrorKindSubmissionTransient ErrorKind = "submission_transient"
	ErrorKindGeneration          ErrorKind = "generation"
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindMaterialization     ErrorKind = "materialization"
	ErrorKindCancelled           ErrorKind = "cancelled"
	ErrorKindUnknown             ErrorKind = "unknown"
)

// Artifact is one unit of generated output written to local storage.
type Artifact struct {
	Index           int     `json:"index"`
	Path            string  `json:"path"`
	URI             string  `json:"uri,omitempty"`        // Remote source or upload location.
	PublicURL       string  `json:"public_url,omitempty"` // Signed or public URL, when issued.
	MIMEType        string  `json:"mime_type"`
	SizeBytes       int64   `json:"size_bytes"`
	SHA256          string  `json:"sha256"`
	DurationSeconds int     `json:"duration_seconds,omitempty"`
	Quality         Quality `json:"quality,omitempty"`
}

// GenerationResult is the outcome of one generate call. A result is always
// produced, successful or not, so batch callers can keep going.
type GenerationResult struct {
	RequestID     string        `json:"request_id"`
	Kind          Kind          `json:"kind"`
	OperationName string        `json:"operation_name,omitempty"`
	Model         string        `json:"model,omitempty"`
	Success       bool          `json:"success"`
	State         JobState      `json:"state"`
	Artifacts     []Artifact    `json:"artifacts,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	Attempts      int           `json:"attempts"`
	Polls         int           `json:"polls"`
	Cost          float64       `json:"cost"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Duration      time.Duration `json:"duration"`
	Events        []PhaseEvent  `json:"events,omitempty"`
}

// Paths returns the local paths of every artifact.
func (r *GenerationResult) Paths() []string {
	out := make([]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		out = append(out, a.Path)
	}
	return out
}
