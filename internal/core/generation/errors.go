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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// AuthError means no bearer credential could be obtained, or the remote
// service rejected it. It is never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SubmissionKind separates rejected requests from failed deliveries.
type SubmissionKind int

const (
	// SubmissionClient is a 4xx rejection or a request that failed local
	// validation. Resubmitting the same body would fail the same way.
	SubmissionClient SubmissionKind = iota
	// SubmissionTransient is a 5xx, 429, or network failure.
	SubmissionTransient
)

func (k SubmissionKind) String() string {
	if k == SubmissionTransient {
		return "transient"
	}
	return "client"
}

// SubmissionError is a failure of the submit call.
type SubmissionError struct {
	Kind       SubmissionKind
	StatusCode int    // Zero for network and validation failures.
	Body       string // Response body, truncated.
	Err        error
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "submission failed (%s", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ", status %d", e.StatusCode)
	}
	b.WriteString(")")
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Transient reports whether the whole operation may be retried.
func (e *SubmissionError) Transient() bool { return e.Kind == SubmissionTransient }

// GenerationError means the vendor finished the job but reported failure, or
// finished it without producing anything. The vendor payload is kept verbatim.
type GenerationError struct {
	Operation       string
	Code            int
	Message         string
	Details         []json.RawMessage
	FilteredCount   int
	FilteredReasons []string
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("generation failed for operation %q", e.Operation)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.FilteredReasons) > 0 {
		msg += fmt.Sprintf(" [%d filtered: %s]", e.FilteredCount, strings.Join(e.FilteredReasons, "; "))
	}
	return msg
}

// TimeoutError means polling ran out of wall-clock budget. The remote job may
// still be running.
type TimeoutError struct {
	Operation string
	Elapsed   time.Duration
	Timeout   time.Duration
	LastErr   error // Most recent transient poll failure, if any.
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("operation %q did not complete within %s (elapsed %s)", e.Operation, e.Timeout, e.Elapsed)
	if e.LastErr != nil {
		msg += fmt.Sprintf("; last poll error: %v", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// MaterializationError is a local failure to decode, download, or write an
// artifact of a job that succeeded remotely.
type MaterializationError struct {
	Index int
	Err   error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("failed to materialize artifact %d: %v", e.Index, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// CancelledError means the caller's context ended before a terminal outcome.
// When an operation had been submitted, a best-effort remote cancel was sent.
type CancelledError struct {
	Operation string
	Err       error
}

func (e *CancelledError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("generation cancelled: %v", e.Err)
	}
	return fmt.Sprintf("generation of operation %q cancelled: %v", e.Operation, e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// IsRetryable reports whether err warrants resubmitting the whole operation.
// Only transient submission failures qualify.
func IsRetryable(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Transient()
}

// KindOf maps an error onto the classification recorded in results.
func KindOf(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}
	var (
		authErr   *AuthError
		subErr    *SubmissionError
		genErr    *GenerationError
		timeErr   *TimeoutError
		matErr    *MaterializationError
		cancelErr *CancelledError
	)
	switch {
	case errors.As(err, &cancelErr):
		return model.ErrorKindCancelled
	case errors.As(err, &authErr):
		return model.ErrorKindAuth
	case errors.As(err, &subErr):
		if subErr.Transient() {
			return model.ErrorKindSubmissionTransient
		}
		return model.ErrorKindSubmissionClient
	case errors.As(err, &genErr):
		return model.ErrorKindGeneration
	case errors.As(err, &timeErr):
		return model.ErrorKindTimeout
	case errors.As(err, &matErr):
		return model.ErrorKindMaterialization
	}
	return model.ErrorKindUnknown
}

// terminalState is the job state a failed call ends in.
func terminalState(err error) model.JobState {
	var timeErr *TimeoutError
	if errors.As(err, &timeErr) {
		return model.StateTimedOut
	}
	return model.StateFailed
}
