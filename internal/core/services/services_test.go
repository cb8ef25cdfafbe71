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

package services_test

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/services"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

var defaults = model.RequestDefaults{
	DurationSeconds: 8,
	AspectRatio:     "16:9",
	Resolution:      "1080p",
	Quality:         model.QualityFast,
	SampleCount:     1,
	OutputPrefix:    "generated",
}

// gatedRunner blocks every run until release is closed, or until the run's
// context is cancelled.
type gatedRunner struct {
	started chan string
	release chan struct{}
	fail    bool
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{started: make(chan string, 16), release: make(chan struct{})}
}

func (r *gatedRunner) Run(ctx context.Context, in any) (*model.GenerationResult, error) {
	req := in.(model.GenerationRequest)
	r.started <- req.ID
	select {
	case <-r.release:
	case <-ctx.Done():
		return &model.GenerationResult{RequestID: req.ID, State: model.StateFailed, ErrorKind: model.ErrorKindCancelled, Error: ctx.Err().Error()}, ctx.Err()
	}
	if r.fail {
		err := &generation.SubmissionError{Kind: generation.SubmissionClient, StatusCode: 400, Err: errors.New("bad prompt")}
		return &model.GenerationResult{RequestID: req.ID, State: model.StateFailed, ErrorKind: generation.KindOf(err), Error: err.Error()}, err
	}
	return &model.GenerationResult{
		RequestID: req.ID,
		Kind:      req.Kind,
		Success:   true,
		State:     model.StateCompleted,
		Cost:      3.2,
		Artifacts: []model.Artifact{{Path: "/out/a.mp4", URI: "gs://bucket/generations/" + req.ID + "/a.mp4"}},
	}, nil
}

func waitForState(t *testing.T, svc *services.JobService, id string, want model.JobState) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = svc.Get(context.Background(), id)
		return err == nil && job.State == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

// waitForStart waits until a worker has picked the job up.
func waitForStart(t *testing.T, svc *services.JobService, id string) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = svc.Get(context.Background(), id)
		return err == nil && job.StartedAt != nil
	}, 2*time.Second, 5*time.Millisecond, "job %s never started", id)
	return job
}

func TestMemoryJobStore(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryJobStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrJobNotFound)

	job := model.NewJob(model.GenerationRequest{Prompt: "a"})
	require.NoError(t, store.Save(ctx, job))
	job.State = model.StateFailed

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, got.State, "the store keeps its own copy")
	assert.Equal(t, job.ID, got.Request.ID, "a missing request id takes the job id")
}

func TestRedisJobStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	store := services.NewRedisJobStore(rdb, "test:job:", time.Minute)
	job := model.NewJob(model.GetExampleRequest())
	require.NoError(t, store.Save(ctx, job))
	defer rdb.Del(ctx, store.Key(job.ID))

	ttl, err := rdb.TTL(ctx, store.Key(job.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Request.StructuredPrompt["scene"], got.Request.StructuredPrompt["scene"])

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrJobNotFound)
}

func TestNewJobStore(t *testing.T) {
	ctx := context.Background()
	config := cloud.NewConfig()

	store, closeFn, err := services.NewJobStore(ctx, config)
	require.NoError(t, err)
	assert.IsType(t, &services.MemoryJobStore{}, store)
	assert.NoError(t, closeFn())

	config.JobStore.Backend = "redis"
	config.JobStore.RedisURL = "not-a-url"
	_, _, err = services.NewJobStore(ctx, config)
	assert.ErrorContains(t, err, "redis_url")

	config.JobStore.Backend = "etcd"
	_, _, err = services.NewJobStore(ctx, config)
	assert.ErrorContains(t, err, "etcd")
}

func TestJobServiceRunsJobs(t *testing.T) {
	runner := newGatedRunner()
	svc := services.NewJobService(services.NewMemoryJobStore(), runner, defaults, 2)
	defer svc.Close(context.Background())

	job, err := svc.Submit(context.Background(), model.GenerationRequest{ID: "req-1", Kind: model.KindVideo, Prompt: "a lighthouse"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, job.State)

	assert.Equal(t, "req-1", <-runner.started)
	running := waitForStart(t, svc, job.ID)
	assert.Equal(t, model.StatePending, running.State, "no vendor call has been confirmed yet")
	assert.Nil(t, running.Result)

	close(runner.release)
	done := waitForState(t, svc, job.ID, model.StateCompleted)
	require.NotNil(t, done.Result)
	assert.True(t, done.Result.Success)
	assert.InDelta(t, 3.2, done.Result.Cost, 1e-9)
	require.NotNil(t, done.StartedAt)
	assert.False(t, done.StartedAt.Before(done.CreatedAt))
	assert.False(t, done.UpdatedAt.Before(*done.StartedAt))
}

func TestJobServiceRecordsFailures(t *testing.T) {
	runner := newGatedRunner()
	runner.fail = true
	close(runner.release)
	svc := services.NewJobService(services.NewMemoryJobStore(), runner, defaults, 1)
	defer svc.Close(context.Background())

	job, err := svc.Submit(context.Background(), model.GenerationRequest{Kind: model.KindVideo, Prompt: "a lighthouse"})
	require.NoError(t, err)

	failed := waitForState(t, svc, job.ID, model.StateFailed)
	assert.Equal(t, model.ErrorKindSubmissionClient, failed.Result.ErrorKind)
}

func TestJobServiceRejectsInvalidRequests(t *testing.T) {
	svc := services.NewJobService(services.NewMemoryJobStore(), newGatedRunner(), defaults, 1)
	defer svc.Close(context.Background())

	_, err := svc.Submit(context.Background(), model.GenerationRequest{Kind: model.KindVideo})
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
	assert.ErrorContains(t, err, "prompt")

	_, err = svc.Submit(context.Background(), model.GenerationRequest{Kind: "audio", Prompt: "a"})
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
}

func TestJobServiceBoundsConcurrency(t *testing.T) {
	runner := newGatedRunner()
	svc := services.NewJobService(services.NewMemoryJobStore(), runner, defaults, 1)
	defer svc.Close(context.Background())

	first, err := svc.Submit(context.Background(), model.GenerationRequest{ID: "first", Kind: model.KindVideo, Prompt: "a"})
	require.NoError(t, err)
	<-runner.started
	waitForStart(t, svc, first.ID)

	second, err := svc.Submit(context.Background(), model.GenerationRequest{ID: "second", Kind: model.KindVideo, Prompt: "b"})
	require.NoError(t, err)

	// The single slot is taken, so the second job cannot start.
	time.Sleep(20 * time.Millisecond)
	queued, err := svc.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, queued.State)
	assert.Nil(t, queued.StartedAt)

	close(runner.release)
	waitForState(t, svc, first.ID, model.StateCompleted)
	waitForState(t, svc, second.ID, model.StateCompleted)
}

func TestJobServiceCloseCancelsRunningJobs(t *testing.T) {
	runner := newGatedRunner()
	svc := services.NewJobService(services.NewMemoryJobStore(), runner, defaults, 1)

	running, err := svc.Submit(context.Background(), model.GenerationRequest{Kind: model.KindVideo, Prompt: "a"})
	require.NoError(t, err)
	<-runner.started
	queued, err := svc.Submit(context.Background(), model.GenerationRequest{Kind: model.KindVideo, Prompt: "b"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Close(ctx), context.DeadlineExceeded)

	for _, id := range []string{running.ID, queued.ID} {
		job, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StateFailed, job.State)
		assert.Equal(t, model.ErrorKindCancelled, job.Result.ErrorKind)
	}
	never, err := svc.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Nil(t, never.StartedAt, "a job cancelled in the queue never started")
	assert.Equal(t, "job cancelled before it started", never.Result.Error)

	_, err = svc.Submit(context.Background(), model.GenerationRequest{Kind: model.KindVideo, Prompt: "c"})
	assert.ErrorIs(t, err, services.ErrShuttingDown)
}

// fixedSigner returns the same signature for every payload.
type fixedSigner struct {
	account string
	payload []byte
}

func (s *fixedSigner) SignBlob(_ context.Context, account string, payload []byte) ([]byte, error) {
	s.account = account
	s.payload = payload
	return []byte("signature"), nil
}

func newSigner(t *testing.T) (*services.ArtifactURLSigner, *fixedSigner) {
	t.Helper()
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	fake := &fixedSigner{}
	signer := services.NewArtifactURLSigner(client, nil, "signer@test-project.iam.gserviceaccount.com")
	signer.Signer = fake
	return signer, fake
}

func TestArtifactURLSigner(t *testing.T) {
	signer, fake := newSigner(t)

	u, err := signer.SignedURL(context.Background(), "gs://test-generated-media/generations/req-1/clip.mp4", 15*time.Minute)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(u, "https://storage.googleapis.com/test-generated-media/generations/req-1/clip.mp4?"), u)
	assert.Contains(t, u, "X-Goog-Algorithm=GOOG4-RSA-SHA256")
	assert.Contains(t, u, "X-Goog-Expires=")
	assert.Contains(t, u, "X-Goog-Signature="+hex.EncodeToString([]byte("signature")))
	assert.Equal(t, "signer@test-project.iam.gserviceaccount.com", fake.account)
	assert.NotEmpty(t, fake.payload)

	_, err = signer.SignedURL(context.Background(), "https://example.com/clip.mp4", time.Minute)
	assert.ErrorContains(t, err, "gs://")
}

func TestArtifactURL(t *testing.T) {
	signer, _ := newSigner(t)
	job := &model.Job{
		ID: "job-1",
		Result: &model.GenerationResult{Artifacts: []model.Artifact{
			{Index: 0, Path: "/out/a.mp4", URI: "gs://bucket/generations/req-1/a.mp4"},
			{Index: 1, Path: "/out/b.mp4"},
		}},
	}

	artifact, err := signer.ArtifactURL(context.Background(), job, 0, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, artifact.PublicURL, "/bucket/generations/req-1/a.mp4?")

	_, err = signer.ArtifactURL(context.Background(), job, 1, time.Minute)
	assert.ErrorIs(t, err, services.ErrArtifactNotUploaded)

	_, err = signer.ArtifactURL(context.Background(), job, 2, time.Minute)
	assert.Error(t, err)
	_, err = signer.ArtifactURL(context.Background(), &model.Job{ID: "pending"}, 0, time.Minute)
	assert.Error(t, err)
}
