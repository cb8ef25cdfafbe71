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

// Package workflow defines the high-level business logic orchestrations,
// combining various commands into coherent pipelines. This file implements the
// batch runner used by the command line generator.
//
// Logic Flow:
//  1. Every request gets an id, so each report line can be traced back.
//  2. An errgroup limited to the worker count runs each request through the
//     Runner (normally a GenerationWorkflow). All workers share the clients,
//     and so the one rate limiter, the Runner was built with.
//  3. Results come back on a results channel. Progress is reported as each one
//     arrives. Workers never return an error to the group, so a failed
//     request never stops the batch.
//  4. Once every request has finished, the results are added to a
//     `model.BatchReport` in input order and the report is written as
//     `{output_dir}/report_{run_id}.json`.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Runner runs one request end to end and always returns a result.
type Runner interface {
	Run(ctx context.Context, in any) (*model.GenerationResult, error)
}

// BatchProgress is reported each time a request of a batch finishes.
type BatchProgress struct {
	RunID     string          `json:"run_id"`
	Completed int             `json:"completed"`
	Total     int             `json:"total"`
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	State     model.JobState  `json:"state"`
	ErrorKind model.ErrorKind `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Cost      float64         `json:"cost"`
}

// BatchRunner runs many requests over a bounded worker pool.
type BatchRunner struct {
	runner     Runner
	workers    int
	outputDir  string
	clock      ratelimit.Clock
	onProgress func(BatchProgress)
}

// BatchOption customizes a BatchRunner.
type BatchOption func(*BatchRunner)

// WithBatchClock sets the clock used for the report timestamps.
func WithBatchClock(clock ratelimit.Clock) BatchOption {
	return func(b *BatchRunner) { b.clock = clock }
}

// WithProgress registers a callback invoked, from one goroutine, as each
// request finishes.
func WithProgress(fn func(BatchProgress)) BatchOption {
	return func(b *BatchRunner) { b.onProgress = fn }
}

// NewBatchRunner creates a runner with the given number of workers (at least
// one) that writes its reports into outputDir.
func NewBatchRunner(runner Runner, workers int, outputDir string, opts ...BatchOption) *BatchRunner {
	b := &BatchRunner{
		runner:    runner,
		workers:   max(workers, 1),
		outputDir: outputDir,
		clock:     ratelimit.SystemClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type batchResult struct {
	index int
	res   *model.GenerationResult
}

// Run executes every request and writes the report.
//
// Inputs:
//   - ctx: Cancelling it cancels the requests in flight; the ones not yet
//     started finish immediately as cancelled.
//   - reqs: The requests. Missing ids are filled in.
//
// Outputs:
//   - *model.BatchReport: The report, also when it could not be written.
//   - string: The path of the written report.
//   - error: Only a failure to write the report. Failed requests are reported
//     in the report, not here.
func (b *BatchRunner) Run(ctx context.Context, reqs []model.GenerationRequest) (*model.BatchReport, string, error) {
	report := model.NewBatchReport(b.clock.Now())

	ctx, span := otel.Tracer("batch-runner").Start(ctx, "batch-run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", report.RunID), attribute.Int("requests", len(reqs)))

	// Buffered so a worker never waits on the progress loop below.
	results := make(chan batchResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(b.workers)
	go func() {
		for i, req := range reqs {
			if req.ID == "" {
				req.ID = fmt.Sprintf("batch-%s-%d", report.RunID, i+1)
			}
			// Go blocks while every worker is busy.
			g.Go(func() error {
				results <- batchResult{index: i, res: b.runOne(ctx, req)}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	ordered := make([]*model.GenerationResult, len(reqs))
	completed := 0
	for r := range results {
		ordered[r.index] = r.res
		completed++
		if b.onProgress != nil {
			b.onProgress(BatchProgress{
				RunID:     report.RunID,
				Completed: completed,
				Total:     len(reqs),
				RequestID: r.res.RequestID,
				Success:   r.res.Success,
				State:     r.res.State,
				ErrorKind: r.res.ErrorKind,
				Error:     r.res.Error,
				Cost:      r.res.Cost,
			})
		}
	}

	for _, res := range ordered {
		report.Add(res)
	}
	report.CompletedAt = b.clock.Now()
	span.SetAttributes(attribute.Int("succeeded", report.Succeeded), attribute.Float64("total_cost", report.TotalCost))
	if report.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d requests failed", report.Failed, report.Total))
	}

	path, err := b.writeReport(report)
	return report, path, err
}

// runOne runs a single request and never returns nil.
func (b *BatchRunner) runOne(ctx context.Context, req model.GenerationRequest) *model.GenerationResult {
	res, err := b.runner.Run(ctx, req)
	if res == nil {
		res = rejectedResult(req, err)
	}
	if res.RequestID == "" {
		res.RequestID = req.ID
	}
	return res
}

func (b *BatchRunner) writeReport(report *model.BatchReport) (string, error) {
	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode batch report: %w", err)
	}
	path := filepath.Join(b.outputDir, fmt.Sprintf("report_%s.json", report.RunID))
	if err := generation.WriteFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write batch report: %w", err)
	}
	return path, nil
}

// batchFile is the object form of a batch file.
type batchFile struct {
	Requests []model.GenerationRequest `json:"requests"`
}

// LoadBatchFile reads a batch of requests. The file holds either a JSON array
// of requests or an object with a "requests" array.
func LoadBatchFile(path string) ([]model.GenerationRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reqs []model.GenerationRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		var file batchFile
		if objErr := json.Unmarshal(data, &file); objErr != nil {
			return nil, fmt.Errorf("failed to parse batch file %s: %w", path, errors.Join(err, objErr))
		}
		reqs = file.Requests
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("batch file %s contains no requests", path)
	}
	return reqs, nil
}
