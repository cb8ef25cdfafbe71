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

// Package workflow_test runs the generation workflow end to end against a fake
// Vertex AI server and a fake image model.
package workflow_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/workflow"
	test "github.com/jaycherian/gcp-go-media-generation/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"google.golang.org/genai"
)

const tName = "github.com/jaycherian/gcp-go-media-generation/tests/workflow"

var (
	tracer = otel.Tracer(tName)
	logger = otelslog.NewLogger(tName)
	epoch  = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
)

// imageModels returns a PNG for every call.
type imageModels struct {
	mu    sync.Mutex
	calls int
}

func (m *imageModels) GenerateContent(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{genai.NewPartFromBytes(test.PNGBytes, "image/png")},
			},
			FinishReason: genai.FinishReasonStop,
		}},
	}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	return &model.GenerationResult{RequestID: req.ID, Success: true, State: model.StateCompleted}, nil
}

type memoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (u *memoryUploader) Upload(_ context.Context, obj cloud.GCSObject, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[obj.URI()] = b
	return int64(len(b)), nil
}

type memoryInserter struct {
	mu   sync.Mutex
	rows []*model.GenerationRecord
}

func (i *memoryInserter) Put(_ context.Context, src interface{}) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rows = append(i.rows, src.(*model.GenerationRecord))
	return nil
}

type fixture struct {
	config   *cloud.Config
	vertex   *test.FakeVertex
	clients  *cloud.GenerationClients
	uploader *memoryUploader
	inserter *memoryInserter
	workflow *workflow.GenerationWorkflow
}

func newFixture(t *testing.T, vertexConfig test.FakeVertexConfig, mutate func(*cloud.Config)) *fixture {
	t.Helper()
	f := &fixture{
		vertex:   test.NewFakeVertex(t, vertexConfig),
		uploader: &memoryUploader{},
		inserter: &memoryInserter{},
	}
	f.config = test.GetConfig(t)
	f.config.Video.Endpoint = f.vertex.URL()
	f.config.Output.Directory = filepath.Join(t.TempDir(), "output")
	if mutate != nil {
		mutate(f.config)
	}

	var err error
	f.clients, err = cloud.NewGenerationClients(f.config, cloud.GenerationDeps{
		Models: &imageModels{},
		Tokens: generation.StaticToken("test-token"),
	}, generation.WithClock(test.NewFakeClock(epoch)))
	require.NoError(t, err)

	f.workflow = workflow.NewGenerationWorkflow(f.config, workflow.Dependencies{
		Video:    f.clients.Video,
		Image:    f.clients.Image(""),
		Uploader: f.uploader,
		Inserter: f.inserter,
	})
	return f
}

func TestGenerationWorkflowVideo(t *testing.T) {
	ctx, span := tracer.Start(context.Background(), "generation-workflow-video")
	defer span.End()
	f := newFixture(t, test.FakeVertexConfig{DoneAfterPolls: 2}, nil)

	res, err := f.workflow.Run(ctx, test.GetTestVideoRequestMessage())
	require.NoError(t, err)
	logger.InfoContext(ctx, "workflow finished", "request_id", res.RequestID, "cost", res.Cost)

	assert.True(t, res.Success)
	assert.Equal(t, "launch-teaser-001", res.RequestID)
	assert.Equal(t, model.StateCompleted, res.State)
	require.Len(t, res.Artifacts, 1)

	uri := res.Artifacts[0].URI
	assert.True(t, strings.HasPrefix(uri, "gs://test-generated-media/generations/launch-teaser-001/"), uri)
	assert.Equal(t, test.FakeVideoBytes, f.uploader.objects[uri])

	require.Len(t, f.inserter.rows, 1)
	row := f.inserter.rows[0]
	assert.True(t, row.Success)
	assert.Equal(t, []string{uri}, row.ArtifactURIs)
	assert.InDelta(t, 8*0.40, row.Cost, 1e-9)
}

func TestGenerationWorkflowImage(t *testing.T) {
	f := newFixture(t, test.FakeVertexConfig{}, nil)

	res, err := f.workflow.Run(context.Background(), test.GetTestImageRequestMessage())
	require.NoError(t, err)

	assert.Equal(t, model.KindImage, res.Kind)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "image/png", res.Artifacts[0].MIMEType)
	assert.Zero(t, f.vertex.Submits())
	require.Len(t, f.inserter.rows, 1)
	assert.Equal(t, "image", f.inserter.rows[0].Kind)
}

func TestGenerationWorkflowPersistsFailures(t *testing.T) {
	f := newFixture(t, test.FakeVertexConfig{SubmitStatuses: []int{http.StatusBadRequest}}, nil)

	res, err := f.workflow.Run(context.Background(), test.GetTestVideoRequestMessage())
	require.Error(t, err)
	assert.Equal(t, model.ErrorKindSubmissionClient, generation.KindOf(err))
	assert.False(t, generation.IsRetryable(err))

	assert.False(t, res.Success)
	assert.Equal(t, 1, f.vertex.Submits(), "client errors are not retried")
	assert.Empty(t, f.uploader.objects)

	require.Len(t, f.inserter.rows, 1)
	assert.False(t, f.inserter.rows[0].Success)
	assert.Equal(t, string(model.ErrorKindSubmissionClient), f.inserter.rows[0].ErrorKind)
}

func TestGenerationWorkflowRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, test.FakeVertexConfig{}, nil)

	res, err := f.workflow.Run(context.Background(), model.GenerationRequest{ID: "empty", Kind: model.KindVideo})
	require.Error(t, err)

	assert.Equal(t, "empty", res.RequestID)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.ErrorKindSubmissionClient, res.ErrorKind)
	assert.Zero(t, f.vertex.Submits())
	assert.Empty(t, f.inserter.rows, "nothing was generated, so nothing is recorded")
}

func TestGenerationWorkflowEnrichesPrompts(t *testing.T) {
	f := newFixture(t, test.FakeVertexConfig{}, func(c *cloud.Config) { c.Defaults.EnrichPrompts = true })

	assert.Equal(t, []string{
		"generation-request-reader",
		"prompt-enricher",
		"media-generate",
		"artifact-upload",
		"result-persist",
	}, f.workflow.Steps())

	_, err := f.workflow.Run(context.Background(), `{"prompt": "Drone shot of a house at sunset"}`)
	require.NoError(t, err)

	var body struct {
		Instances []struct {
			Prompt string `json:"prompt"`
		} `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(f.vertex.SubmitBodies()[0], &body))
	var structured map[string]string
	require.NoError(t, json.Unmarshal([]byte(body.Instances[0].Prompt), &structured))
	assert.Equal(t, "Drone shot of a house at sunset", structured["scene"])
	assert.Equal(t, "smooth aerial drone shot descending toward the subject", structured["camera"])
}

func TestGenerationWorkflowOptionalSteps(t *testing.T) {
	config := test.GetConfig(t)
	w := workflow.NewGenerationWorkflow(config, workflow.Dependencies{Video: stubGenerator{}})
	assert.Equal(t, []string{"generation-request-reader", "media-generate"}, w.Steps())
}

func TestDependenciesFromClients(t *testing.T) {
	config := test.GetConfig(t)
	deps := workflow.DependenciesFromClients(config, &cloud.ServiceClients{
		Generation: &cloud.GenerationClients{Images: map[string]*generation.ImageClient{}},
	})
	assert.Nil(t, deps.Video, "a missing client leaves the generator unset")
	assert.Nil(t, deps.Image)
	assert.Nil(t, deps.Uploader)
	assert.Nil(t, deps.Inserter)
}
