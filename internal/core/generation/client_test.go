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

package generation_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/ratelimit"
	test "github.com/jaycherian/gcp-go-media-generation/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

var testModels = map[model.Quality]generation.ModelSpec{
	model.QualityFast:     {Name: "veo-3.0-fast-generate-001", CostPerSecond: 0.25, AudioCostPerSecond: 0.40},
	model.QualityStandard: {Name: "veo-3.0-generate-001", CostPerSecond: 0.50, AudioCostPerSecond: 0.75},
}

var testDefaults = model.RequestDefaults{
	DurationSeconds: 8,
	AspectRatio:     "16:9",
	Resolution:      "1080p",
	Quality:         model.QualityFast,
	SampleCount:     1,
	GenerateAudio:   true,
	OutputPrefix:    "clip",
}

type harness struct {
	clock   ratelimit.Clock
	vertex  *test.FakeVertex
	limiter *ratelimit.Limiter
	client  *generation.Client
	outDir  string

	mu     sync.Mutex
	events []model.PhaseEvent
}

func defaultOptions() generation.Options {
	return generation.Options{
		Models:       testModels,
		Defaults:     testDefaults,
		Poll:         generation.PollPolicy{Interval: 10 * time.Second, Timeout: 10 * time.Minute},
		Retry:        generation.RetryPolicy{MaxAttempts: 3, InitialBackoff: 5 * time.Second, MaxBackoff: time.Minute},
		CancelRemote: true,
	}
}

func newHarness(t *testing.T, clock ratelimit.Clock, cfg test.FakeVertexConfig, opts generation.Options, tokens generation.TokenSource) *harness {
	t.Helper()
	h := &harness{clock: clock, outDir: t.TempDir()}
	h.vertex = test.NewFakeVertex(t, cfg)
	h.limiter = ratelimit.New(ratelimit.Config{MaxRequests: 10, Window: time.Minute, BaseBackoff: time.Second, MaxBackoff: time.Minute}, ratelimit.WithClock(clock))
	if tokens == nil {
		tokens = generation.StaticToken("test-token")
	}
	transport := generation.NewVertexTransport("test-project", "us-central1", h.vertex.URL(), nil)
	materializer := generation.NewMaterializer(h.outDir, nil, nil)
	h.client = generation.NewClient(opts, h.limiter, tokens, transport, materializer,
		generation.WithClock(clock),
		generation.WithObserver(generation.ObserverFunc(func(e model.PhaseEvent) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, e)
		})),
	)
	return h
}

func (h *harness) states() []model.JobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.JobState
	for _, e := range h.events {
		if len(out) == 0 || out[len(out)-1] != e.State {
			out = append(out, e.State)
		}
	}
	return out
}

func videoRequest() model.GenerationRequest {
	return model.GenerationRequest{Prompt: "A slow dolly shot across a sunlit kitchen"}
}

func TestGenerateCompletesAfterPolling(t *testing.T) {
	clock := test.NewFakeClock(epoch)
	h := newHarness(t, clock, test.FakeVertexConfig{DoneAfterPolls: 4}, defaultOptions(), nil)

	res, err := h.client.Generate(context.Background(), videoRequest())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 4, res.Polls)
	assert.Equal(t, 40*time.Second, res.Duration)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}, clock.Sleeps())
	assert.InDelta(t, 8*0.40, res.Cost, 1e-9)
	assert.Equal(t, "veo-3.0-fast-generate-001", res.Model)
	assert.Contains(t, res.OperationName, "/operations/op-1")
	assert.Empty(t, res.Warnings)
	assert.Equal(t, model.ErrorKindNone, res.ErrorKind)

	require.Len(t, res.Artifacts, 1)
	art := res.Artifacts[0]
	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, test.FakeVideoBytes, data)
	assert.Equal(t, "video/mp4", art.MIMEType)
	assert.Equal(t, int64(len(test.FakeVideoBytes)), art.SizeBytes)
	assert.Equal(t, 8, art.DurationSeconds)
	assert.Equal(t, model.QualityFast, art.Quality)

	assert.Equal(t, []model.JobState{model.StatePending, model.StateSubmitted, model.StatePolling, model.StateCompleted}, h.states())
	for _, header := range h.vertex.AuthHeaders() {
		assert.Equal(t, "Bearer test-token", header)
	}

	var body generation.PredictRequest
	require.NoError(t, json.Unmarshal(h.vertex.SubmitBodies()[0], &body))
	require.Len(t, body.Instances, 1)
	assert.Equal(t, "A slow dolly shot across a sunlit kitchen", body.Instances[0].Prompt)
	assert.Nil(t, body.Instances[0].Image)
	assert.Equal(t, 8, body.Parameters.DurationSeconds)
	assert.Equal(t, "16:9", body.Parameters.AspectRatio)
	assert.True(t, body.Parameters.GenerateAudio)
}

// TestGeneratePollingDeadline runs jobs that finish strictly after a given
// duration against a fixed budget. Jobs that need the whole budget or more
// must time out, and no poll may be sent after the budget is spent.
func TestGeneratePollingDeadline(t *testing.T) {
	const budget = 30 * time.Second
	cases := []struct {
		name    string
		jobTime time.Duration
		wantErr bool
		polls   int
	}{
		{name: "well inside budget", jobTime: 5 * time.Second, polls: 1},
		{name: "inside budget", jobTime: 20 * time.Second, polls: 3},
		{name: "equal to budget", jobTime: budget, wantErr: true, polls: 3},
		{name: "beyond budget", jobTime: 45 * time.Second, wantErr: true, polls: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := test.NewFakeClock(epoch)
			opts := defaultOptions()
			opts.Poll.Timeout = budget
			h := newHarness(t, clock, test.FakeVertexConfig{
				DoneWhen: func(int) bool { return clock.Now().Sub(epoch) > tc.jobTime },
			}, opts, nil)

			res, err := h.client.Generate(context.Background(), videoRequest())

			assert.Equal(t, tc.polls, h.vertex.Polls())
			assert.Equal(t, tc.polls, res.Polls)
			if !tc.wantErr {
				require.NoError(t, err)
				assert.Equal(t, model.StateCompleted, res.State)
				return
			}
			var timeoutErr *generation.TimeoutError
			require.ErrorAs(t, err, &timeoutErr)
			assert.Equal(t, budget, timeoutErr.Timeout)
			assert.Equal(t, budget, timeoutErr.Elapsed)
			assert.Equal(t, model.StateTimedOut, res.State)
			assert.Equal(t, model.ErrorKindTimeout, res.ErrorKind)
			assert.False(t, res.Success)
			assert.Empty(t, res.Artifacts)
		})
	}
}

func TestGenerateFinalPollLandsOnDeadline(t *testing.T) {
	clock := test.NewFakeClock(epoch)
	opts := defaultOptions()
	opts.Poll.Timeout = 25 * time.Second
	h := newHarness(t, clock, test.FakeVertexConfig{DoneWhen: func(int) bool { return false }}, opts, nil)

	_, err := h.client.Generate(context.Background(), videoRequest())

	var timeoutErr *generation.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second}, clock.Sleeps())
	assert.Equal(t, 3, h.vertex.Polls())
}

func TestGenerateClientErrorIsNotRetried(t *testing.T) {
	clock := test.NewFakeClock(epoch)
	h := newHarness(t, clock, test.FakeVertexConfig{SubmitStatuses: []int{http.StatusBadRequest}}, defaultOptions(), nil)

	res, err := h.client.Generate(context.Background(), videoRequest())

	var subErr *generation.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, generation.SubmissionClient, subErr.Kind)
	assert.Equal(t, http.StatusBadRequest, subErr.StatusCode)
	assert.Equal(t, 1, h.vertex.Submits())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.ErrorKindSubmissionClient, res.ErrorKind)
	assert.Equal(t, 1, h.limiter.Status().ConsecutiveFailures)
}

func TestGenerateTransientSubmissionIsRetried(t *testing.T) {
	t.Run("exhausts attempts", func(t *testing.T) {
		clock := test.NewFakeClock(epoch)
		h := newHarness(t, clock, test.FakeVertexConfig{
			SubmitStatuses: []int{http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusTooManyRequests},
		}, defaultOptions(), nil)

		res, err := h.client.Generate(context.Background(), videoRequest())

		var subErr *generation.SubmissionError
		require.ErrorAs(t, err, &subErr)
		assert.True(t, subErr.Transient())
		assert.Equal(t, http.StatusTooManyRequests, subErr.StatusCode)
		assert.Equal(t, 3, h.vertex.Submits())
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, 0, h.vertex.Polls())
		assert.Equal(t, model.ErrorKindSubmissionTransient, res.ErrorKind)
		assert.Equal(t, 3, h.limiter.Status().ConsecutiveFailures)
	})

	t.Run("recovers", func(t *testing.T) {
		clock := test.NewFakeClock(epoch)
		h := newHarness(t, clock, test.FakeVertexConfig{SubmitStatuses: []int{http.StatusBadGateway}}, defaultOptions(), nil)

		res, err := h.client.Generate(context.Background(), videoRequest())

		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, 2, h.vertex.Submits())
		assert.Contains(t, res.OperationName, "/operations/op-2")
		assert.Equal(t, 0, h.limiter.Status().ConsecutiveFailures)

		sleeps := clock.Sleeps()
		require.NotEmpty(t, sleeps)
		assert.Contains(t, sleeps, 5*time.Second, "first retry pause is the initial backoff")
	})
}

func TestGenerateAuthFailures(t *testing.T) {
	t.Run("rejected credential", func(t *testing.T) {
		h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{SubmitStatuses: []int{http.StatusUnauthorized}}, defaultOptions(), nil)

		res, err := h.client.Generate(context.Background(), videoRequest())

		var authErr *generation.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, 1, h.vertex.Submits())
		assert.Equal(t, model.ErrorKindAuth, res.ErrorKind)
	})

	t.Run("no credential", func(t *testing.T) {
		h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{}, defaultOptions(), generation.StaticToken(""))

		res, err := h.client.Generate(context.Background(), videoRequest())

		var authErr *generation.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, 0, h.vertex.Submits())
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, model.StateFailed, res.State)
	})

	t.Run("rejected while polling", func(t *testing.T) {
		h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{PollStatuses: []int{http.StatusForbidden}}, defaultOptions(), nil)

		res, err := h.client.Generate(context.Background(), videoRequest())

		var authErr *generation.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, 1, h.vertex.Submits())
		assert.Equal(t, 1, h.vertex.Polls())
		assert.Equal(t, model.StateFailed, res.State)
	})
}

func TestGenerateTransientPollErrorsKeepPolling(t *testing.T) {
	h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{
		PollStatuses:   []int{http.StatusServiceUnavailable, http.StatusTooManyRequests},
		DoneAfterPolls: 1,
	}, defaultOptions(), nil)

	res, err := h.client.Generate(context.Background(), videoRequest())

	require.NoError(t, err)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, 3, h.vertex.Polls())
	assert.Equal(t, 1, h.vertex.Submits())
}

func TestGenerateOperationErrorKeepsVendorPayload(t *testing.T) {
	detail := json.RawMessage(`{"@type":"type.googleapis.com/google.rpc.BadRequest","fieldViolations":[{"field":"prompt"}]}`)
	h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{
		DoneAfterPolls: 2,
		OperationError: &model.OperationError{Code: 3, Message: "prompt was blocked", Details: []json.RawMessage{detail}},
	}, defaultOptions(), nil)

	res, err := h.client.Generate(context.Background(), videoRequest())

	var genErr *generation.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 3, genErr.Code)
	assert.Equal(t, "prompt was blocked", genErr.Message)
	require.Len(t, genErr.Details, 1)
	assert.JSONEq(t, string(detail), string(genErr.Details[0]))
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.ErrorKindGeneration, res.ErrorKind)
	assert.Equal(t, 1, res.Attempts)

	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenerateSafetyFilter(t *testing.T) {
	t.Run("all videos removed", func(t *testing.T) {
		h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{
			Videos:          []model.VideoPayload{},
			FilteredCount:   1,
			FilteredReasons: []string{"violates usage guidelines"},
		}, defaultOptions(), nil)

		_, err := h.client.Generate(context.Background(), videoRequest())

		var genErr *generation.GenerationError
		require.ErrorAs(t, err, &genErr)
		assert.Equal(t, 1, genErr.FilteredCount)
		assert.Equal(t, []string{"violates usage guidelines"}, genErr.FilteredReasons)
	})

	t.Run("some videos removed", func(t *testing.T) {
		h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{
			FilteredCount:   1,
			FilteredReasons: []string{"person generation"},
		}, defaultOptions(), nil)

		res, err := h.client.Generate(context.Background(), videoRequest())

		require.NoError(t, err)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "person generation")
	})
}

func TestGenerateMaterializationFailureRemovesEarlierFiles(t *testing.T) {
	h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{
		Videos: []model.VideoPayload{
			{BytesBase64Encoded: base64.StdEncoding.EncodeToString(test.FakeVideoBytes), MIMEType: "video/mp4"},
			{BytesBase64Encoded: "not base64!", MIMEType: "video/mp4"},
		},
	}, defaultOptions(), nil)

	res, err := h.client.Generate(context.Background(), videoRequest())

	var matErr *generation.MaterializationError
	require.ErrorAs(t, err, &matErr)
	assert.Equal(t, model.ErrorKindMaterialization, res.ErrorKind)
	assert.Empty(t, res.Artifacts)
	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the first video must not be left behind")
}

func TestGenerateCancelRequestsRemoteCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{
		DoneWhen: func(poll int) bool {
			if poll == 2 {
				cancel()
			}
			return false
		},
	}, defaultOptions(), nil)

	res, err := h.client.Generate(ctx, videoRequest())

	var cancelErr *generation.CancelledError
	require.ErrorAs(t, err, &cancelErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, res.OperationName, cancelErr.Operation)
	assert.Equal(t, []string{res.OperationName}, h.vertex.Cancels())
	assert.Equal(t, model.ErrorKindCancelled, res.ErrorKind)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, 0, h.limiter.Status().ConsecutiveFailures, "cancellation is not a service failure")
}

func TestGenerateCancelWithoutRemoteCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := defaultOptions()
	opts.CancelRemote = false
	h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{
		DoneWhen: func(int) bool { cancel(); return false },
	}, opts, nil)

	_, err := h.client.Generate(ctx, videoRequest())

	var cancelErr *generation.CancelledError
	require.ErrorAs(t, err, &cancelErr)
	assert.Empty(t, h.vertex.Cancels())
}

func TestGenerateGuideFrames(t *testing.T) {
	t.Run("unreadable reference image is a warning", func(t *testing.T) {
		h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{}, defaultOptions(), nil)
		req := videoRequest()
		req.ReferenceImagePath = "/does/not/exist.png"

		res, err := h.client.Generate(context.Background(), req)

		require.NoError(t, err)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "reference image /does/not/exist.png skipped")

		var body generation.PredictRequest
		require.NoError(t, json.Unmarshal(h.vertex.SubmitBodies()[0], &body))
		assert.Nil(t, body.Instances[0].Image)
	})

	t.Run("last frame without reference image is dropped", func(t *testing.T) {
		h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{}, defaultOptions(), nil)
		req := videoRequest()
		req.LastFramePath = test.WritePNG(t, t.TempDir(), "last.png")

		res, err := h.client.Generate(context.Background(), req)

		require.NoError(t, err)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "last frame dropped")

		var body generation.PredictRequest
		require.NoError(t, json.Unmarshal(h.vertex.SubmitBodies()[0], &body))
		assert.Nil(t, body.Instances[0].LastFrame)
	})

	t.Run("both frames are sent inline", func(t *testing.T) {
		h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{}, defaultOptions(), nil)
		dir := t.TempDir()
		req := videoRequest()
		req.ReferenceImagePath = test.WritePNG(t, dir, "first.png")
		req.LastFramePath = test.WritePNG(t, dir, "last.png")

		res, err := h.client.Generate(context.Background(), req)

		require.NoError(t, err)
		assert.Empty(t, res.Warnings)

		var body generation.PredictRequest
		require.NoError(t, json.Unmarshal(h.vertex.SubmitBodies()[0], &body))
		require.NotNil(t, body.Instances[0].Image)
		require.NotNil(t, body.Instances[0].LastFrame)
		assert.Equal(t, "image/png", body.Instances[0].Image.MIMEType)
		assert.NotEmpty(t, body.Instances[0].LastFrame.BytesBase64Encoded)
	})
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	cases := map[string]model.GenerationRequest{
		"no prompt":        {},
		"too long":         {Prompt: "x", DurationSeconds: 90},
		"bad aspect ratio": {Prompt: "x", AspectRatio: "4:3"},
		"unknown quality":  {Prompt: "x", Quality: "ultra"},
		"image kind":       {Prompt: "x", Kind: model.KindImage},
		"too many samples": {Prompt: "x", SampleCount: 9},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{}, defaultOptions(), nil)

			res, err := h.client.Generate(context.Background(), req)

			var subErr *generation.SubmissionError
			require.ErrorAs(t, err, &subErr)
			assert.Equal(t, generation.SubmissionClient, subErr.Kind)
			assert.Equal(t, 0, subErr.StatusCode)
			assert.Equal(t, 0, h.vertex.Submits())
			assert.Equal(t, 0, h.limiter.Status().InWindow, "validation failures consume no quota")
			assert.Equal(t, model.StateFailed, res.State)
		})
	}
}

func TestGenerateStructuredPromptIsSentAsJSON(t *testing.T) {
	h := newHarness(t, test.NewFakeClock(epoch), test.FakeVertexConfig{}, defaultOptions(), nil)
	req := model.GenerationRequest{StructuredPrompt: model.GetExampleStructuredPrompt()}

	_, err := h.client.Generate(context.Background(), req)
	require.NoError(t, err)

	var body generation.PredictRequest
	require.NoError(t, json.Unmarshal(h.vertex.SubmitBodies()[0], &body))
	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(body.Instances[0].Prompt), &sent))
	assert.Contains(t, sent, "scene")
}

// recordingLimiter notes when each slot was granted.
type recordingLimiter struct {
	*ratelimit.Limiter
	mu     sync.Mutex
	grants []time.Time
}

func (r *recordingLimiter) Acquire(ctx context.Context) error {
	if err := r.Limiter.Acquire(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.grants = append(r.grants, time.Now())
	r.mu.Unlock()
	return nil
}

// hungTransport accepts submissions and then never answers a poll until the
// poll's context ends.
type hungTransport struct {
	mu      sync.Mutex
	fetches int
}

func (h *hungTransport) Submit(context.Context, string, string, *generation.PredictRequest) (string, error) {
	return "projects/test-project/locations/us-central1/publishers/google/models/veo/operations/op-hung", nil
}

func (h *hungTransport) Fetch(ctx context.Context, _, _, _ string) (*model.Operation, error) {
	h.mu.Lock()
	h.fetches++
	h.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hungTransport) Cancel(context.Context, string, string) error { return nil }

func TestGenerateHungPollIsBoundedByDeadline(t *testing.T) {
	transport := &hungTransport{}
	opts := defaultOptions()
	opts.CancelRemote = false
	opts.Poll = generation.PollPolicy{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond, FetchGrace: 50 * time.Millisecond}
	limiter := ratelimit.New(ratelimit.Config{MaxRequests: 10, Window: time.Minute})
	client := generation.NewClient(opts, limiter, generation.StaticToken("test-token"), transport,
		generation.NewMaterializer(t.TempDir(), nil, nil))

	start := time.Now()
	res, err := client.Generate(context.Background(), videoRequest())
	elapsed := time.Since(start)

	var timeoutErr *generation.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.ErrorIs(t, timeoutErr.LastErr, context.DeadlineExceeded)
	assert.Equal(t, model.ErrorKindTimeout, res.ErrorKind)
	assert.Equal(t, 1, transport.fetches)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestConcurrentGenerateSharesWindow(t *testing.T) {
	const maxRequests = 2
	const callers = 6
	window := 300 * time.Millisecond
	slack := 50 * time.Millisecond

	vertex := test.NewFakeVertex(t, test.FakeVertexConfig{})
	limiter := &recordingLimiter{Limiter: ratelimit.New(ratelimit.Config{MaxRequests: maxRequests, Window: window})}
	opts := defaultOptions()
	opts.Poll = generation.PollPolicy{Interval: 5 * time.Millisecond, Timeout: 5 * time.Second}
	client := generation.NewClient(opts, limiter, generation.StaticToken("test-token"),
		generation.NewVertexTransport("test-project", "us-central1", vertex.URL(), nil),
		generation.NewMaterializer(t.TempDir(), nil, nil))

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Generate(context.Background(), videoRequest())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, callers, vertex.Submits())

	limiter.mu.Lock()
	grants := append([]time.Time(nil), limiter.grants...)
	limiter.mu.Unlock()
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	require.Len(t, grants, callers)
	for i := range grants {
		n := 0
		for j := i; j < len(grants) && grants[j].Sub(grants[i]) < window-slack; j++ {
			n++
		}
		assert.LessOrEqual(t, n, maxRequests, "grants within one window starting at %d", i)
	}
}

func TestCost(t *testing.T) {
	spec := generation.ModelSpec{CostPerSecond: 0.25, AudioCostPerSecond: 0.40}
	assert.InDelta(t, 8*2*0.40, generation.Cost(spec, 8, 2, true), 1e-9)
	assert.InDelta(t, 8*2*0.25, generation.Cost(spec, 8, 2, false), 1e-9)

	noAudioPrice := generation.ModelSpec{CostPerSecond: 0.5}
	assert.InDelta(t, 4*0.5, generation.Cost(noAudioPrice, 4, 1, true), 1e-9)
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want model.ErrorKind
	}{
		{nil, model.ErrorKindNone},
		{&generation.AuthError{Err: errors.New("x")}, model.ErrorKindAuth},
		{&generation.SubmissionError{Kind: generation.SubmissionClient}, model.ErrorKindSubmissionClient},
		{&generation.SubmissionError{Kind: generation.SubmissionTransient}, model.ErrorKindSubmissionTransient},
		{&generation.GenerationError{}, model.ErrorKindGeneration},
		{&generation.TimeoutError{}, model.ErrorKindTimeout},
		{&generation.MaterializationError{Err: errors.New("disk full")}, model.ErrorKindMaterialization},
		{&generation.CancelledError{Err: context.Canceled}, model.ErrorKindCancelled},
		{errors.New("boom"), model.ErrorKindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, generation.KindOf(tc.err), "%v", tc.err)
	}

	assert.True(t, generation.IsRetryable(&generation.SubmissionError{Kind: generation.SubmissionTransient}))
	assert.False(t, generation.IsRetryable(&generation.SubmissionError{Kind: generation.SubmissionClient}))
	assert.False(t, generation.IsRetryable(&generation.AuthError{Err: errors.New("x")}))
	assert.False(t, generation.IsRetryable(&generation.TimeoutError{}))
}

func TestRetryBackoff(t *testing.T) {
	policy := generation.RetryPolicy{MaxAttempts: 5, InitialBackoff: 5 * time.Second, MaxBackoff: time.Minute}
	assert.Equal(t, 5*time.Second, policy.Backoff(1))
	assert.Equal(t, 10*time.Second, policy.Backoff(2))
	assert.Equal(t, 40*time.Second, policy.Backoff(4))
	assert.Equal(t, time.Minute, policy.Backoff(5))
	assert.Equal(t, time.Minute, policy.Backoff(50))
}
