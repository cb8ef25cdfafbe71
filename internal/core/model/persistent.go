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

// This file holds the types that outlive a single generate call: the API job
// record, the BigQuery row, and the sidecar batch report.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job tracks a request submitted through the API until its result is known.
type Job struct {
	ID        string            `json:"id"`
	Request   GenerationRequest `json:"request"`
	State     JobState          `json:"state"`
	Result    *GenerationResult `json:"result,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt *time.Time        `json:"started_at,omitempty"` // Set once a worker picks the job up.
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewJob creates a pending job with a random id. The request id is set to the
// job id when the caller did not supply one.
func NewJob(req GenerationRequest) *Job {
	id := uuid.New().String()
	if req.ID == "" {
		req.ID = id
	}
	now := time.Now()
	return &Job{
		ID:        id,
		Request:   req,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GenerationRecord is the BigQuery row persisted for every result.
type GenerationRecord struct {
	RequestID     string    `json:"request_id" bigquery:"request_id"`
	Kind          string    `json:"kind" bigquery:"kind"`
	Model         string    `json:"model" bigquery:"model"`
	OperationName string    `json:"operation_name" bigquery:"operation_name"`
	Prompt        string    `json:"prompt" bigquery:"prompt"`
	Success       bool      `json:"success" bigquery:"success"`
	State         string    `json:"state" bigquery:"state"`
	ErrorKind     string    `json:"error_kind" bigquery:"error_kind"`
	Error         string    `json:"error" bigquery:"error"`
	ArtifactURIs  []string  `json:"artifact_uris" bigquery:"artifact_uris"`
	Warnings      []string  `json:"warnings" bigquery:"warnings"`
	Attempts      int       `json:"attempts" bigquery:"attempts"`
	Polls         int       `json:"polls" bigquery:"polls"`
	Cost          float64   `json:"cost" bigquery:"cost"`
	DurationMs    int64     `json:"duration_ms" bigquery:"duration_ms"`
	CreateDate    time.Time `json:"create_date" bigquery:"create_date"`
}

// NewGenerationRecord flattens a result for persistence. Uploaded URIs are
// preferred over local paths when present.
func NewGenerationRecord(req GenerationRequest, res *GenerationResult) *GenerationRecord {
	prompt, _ := req.PromptText()
	uris := make([]string, 0, len(res.Artifacts))
	for _, a := range res.Artifacts {
		if a.URI != "" {
			uris = append(uris, a.URI)
		} else {
			uris = append(uris, a.Path)
		}
	}
	return &GenerationRecord{
		RequestID:     res.RequestID,
		Kind:          string(res.Kind),
		Model:         res.Model,
		OperationName: res.OperationName,
		Prompt:        prompt,
		Success:       res.Success,
		State:         string(res.State),
		ErrorKind:     string(res.ErrorKind),
		Error:         res.Error,
		ArtifactURIs:  uris,
		Warnings:      append([]string{}, res.Warnings...),
		Attempts:      res.Attempts,
		Polls:         res.Polls,
		Cost:          res.Cost,
		DurationMs:    res.Duration.Milliseconds(),
		CreateDate:    res.CompletedAt,
	}
}

// CostSummary is one row of the spend report over the results table.
type CostSummary struct {
	Model       string  `json:"model" bigquery:"model"`
	Kind        string  `json:"kind" bigquery:"kind"`
	Generations int64   `json:"generations" bigquery:"generations"`
	Succeeded   int64   `json:"succeeded" bigquery:"succeeded"`
	TotalCost   float64 `json:"total_cost" bigquery:"total_cost"`
}

// BatchItem is one line of a batch report.
type BatchItem struct {
	RequestID      string    `json:"request_id"`
	Kind           Kind      `json:"kind"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	Artifacts      []string  `json:"artifacts,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	Cost           float64   `json:"cost"`
	GenerationTime string    `json:"generation_time"`
}

// BatchReport is the sidecar JSON written after a batch run.
type BatchReport struct {
	RunID       string      `json:"run_id"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Total       int         `json:"total"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	SuccessRate float64     `json:"success_rate"`
	TotalCost   float64     `json:"total_cost"`
	Items       []BatchItem `json:"items"`
}

// NewBatchReport starts an empty report with a short random run id.
func NewBatchReport(started time.Time) *BatchReport {
	return &BatchReport{
		RunID:     strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		StartedAt: started,
		Items:     make([]BatchItem, 0),
	}
}

// Add records one result and keeps the aggregates current.
func (b *BatchReport) Add(res *GenerationResult) {
	b.Items = append(b.Items, BatchItem{
		RequestID:      res.RequestID,
		Kind:           res.Kind,
		Success:        res.Success,
		Error:          res.Error,
		ErrorKind:      res.ErrorKind,
		Artifacts:      res.Paths(),
		Warnings:       res.Warnings,
		Cost:           res.Cost,
		GenerationTime: res.Duration.Round(time.Millisecond).String(),
	})
	b.Total++
	if res.Success {
		b.Succeeded++
		b.TotalCost += res.Cost
	} else {
		b.Failed++
	}
	b.SuccessRate = float64(b.Succeeded) / float64(b.Total)
}
