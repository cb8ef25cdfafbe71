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

// Package services contains the business logic sitting between the HTTP API
// and the workflows. This file, `jobs.go`, defines the JobService, which
// accepts generation requests, runs them in the background through the
// generation workflow, and keeps a job record per request in a JobStore.
//
// Logic Flow:
//  1. `Submit` applies the request defaults and validates the request, so the
//     caller learns about a bad request immediately.
//  2. A PENDING job is saved and handed to an errgroup limited to `workers`,
//     so at most that many jobs run at once and the others wait for a slot.
//  3. When the job gets a slot its `started_at` is recorded. It stays PENDING
//     until the workflow returns, then takes the terminal state of the
//     result. The vendor-side states are reported on the result itself.
//  4. `Get` reads the job record back, from memory or from Redis.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/workflow"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrJobNotFound is returned by a JobStore for an unknown id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidRequest wraps the validation failures of a submitted request.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrShuttingDown is returned by Submit once Close has been called.
	ErrShuttingDown = errors.New("job service is shutting down")
)

// JobService runs generation requests in the background.
type JobService struct {
	store    JobStore
	runner   workflow.Runner
	defaults model.RequestDefaults

	jobs errgroup.Group // Limited to the worker count. Jobs never return an error.
	wg   sync.WaitGroup  // Every accepted job, queued or running.

	mu     sync.Mutex
	closed bool
	ctx    context.Context // Parent of every job; cancelled by Close.
	cancel context.CancelFunc
}

// NewJobService creates a service running at most workers jobs at once.
//
// Inputs:
//   - store: Where job records are kept.
//   - runner: Runs one request, normally a workflow.GenerationWorkflow.
//   - defaults: Applied to requests before they are validated.
//   - workers: The number of jobs allowed to run concurrently (at least one).
//
// Outputs:
//   - *JobService: The service, ready to accept jobs.
func NewJobService(store JobStore, runner workflow.Runner, defaults model.RequestDefaults, workers int) *JobService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &JobService{
		store:    store,
		runner:   runner,
		defaults: defaults,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.jobs.SetLimit(max(workers, 1))
	return s
}

// Submit validates the request, records a PENDING job and starts it.
//
// Inputs:
//   - ctx: Used for the initial store write only. The job itself outlives the
//     request that submitted it.
//   - req: The request as sent by the client.
//
// Outputs:
//   - *model.Job: The job as first saved.
//   - error: ErrInvalidRequest (wrapped) for a request that cannot be run,
//     ErrShuttingDown, or a store failure.
func (s *JobService) Submit(ctx context.Context, req model.GenerationRequest) (*model.Job, error) {
	if err := req.WithDefaults(s.defaults).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}

	job := model.NewJob(req)
	if err := s.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	slog.InfoContext(ctx, "job accepted", "job_id", job.ID, "request_id", job.Request.ID, "kind", job.Request.Kind)

	// The goroutine works on its own copy; the caller gets the saved record.
	running := *job
	s.wg.Add(1)
	// Go blocks while every worker is busy, so queue from a goroutine.
	go s.jobs.Go(func() error {
		defer s.wg.Done()
		s.run(&running)
		return nil
	})
	return job, nil
}

// Get returns the current record of a job.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.store.Get(ctx, id)
}

// Close stops accepting jobs and waits for the running ones. When ctx expires
// first the remaining jobs are cancelled and Close returns ctx's error once
// they have recorded their cancellation.
func (s *JobService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// run executes a job that holds a worker slot.
func (s *JobService) run(job *model.Job) {
	if s.ctx.Err() != nil {
		s.finish(job, &model.GenerationResult{
			RequestID: job.Request.ID,
			Kind:      job.Request.Kind,
			State:     model.StateFailed,
			ErrorKind: model.ErrorKindCancelled,
			Error:     "job cancelled before it started",
		})
		return
	}

	started := time.Now()
	job.StartedAt = &started
	job.UpdatedAt = started
	if err := s.store.Save(s.ctx, job); err != nil {
		slog.Warn("failed to update job", "job_id", job.ID, "error", err)
	}

	res, err := s.runner.Run(s.ctx, job.Request)
	if res == nil {
		res = &model.GenerationResult{RequestID: job.Request.ID, Kind: job.Request.Kind, State: model.StateFailed, ErrorKind: model.ErrorKindUnknown}
		if err != nil {
			res.Error = err.Error()
		}
	}
	if err != nil {
		slog.Warn("job failed", "job_id", job.ID, "error_kind", res.ErrorKind, "error", err)
	} else {
		slog.Info("job finished", "job_id", job.ID, "cost", res.Cost, "artifacts", len(res.Artifacts))
	}
	s.finish(job, res)
}

// finish records the terminal state. The job goes straight from PENDING to
// the state of the result, which has already walked the full state machine.
// The store write is detached from the service context so a job cancelled by
// Close still gets its final record.
func (s *JobService) finish(job *model.Job, res *model.GenerationResult) {
	state := res.State
	if !state.IsTerminal() {
		state = model.StateFailed
	}
	job.State = state
	job.UpdatedAt = time.Now()
	job.Result = res

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, job); err != nil {
		slog.Error("failed to record job result", "job_id", job.ID, "error", err)
	}
}
