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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// PredictRequest is the body of a predictLongRunning call.
type PredictRequest struct {
	Instances  []PredictInstance `json:"instances"`
	Parameters PredictParameters `json:"parameters"`
}

// PredictInstance carries the prompt and optional guide frames.
type PredictInstance struct {
	Prompt    string       `json:"prompt"`
	Image     *InlineImage `json:"image,omitempty"`
	LastFrame *InlineImage `json:"lastFrame,omitempty"`
}

// InlineImage is an image sent inline as base64.
type InlineImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MIMEType           string `json:"mimeType"`
}

// PredictParameters are the generation settings of a predictLongRunning call.
type PredictParameters struct {
	DurationSeconds  int    `json:"durationSeconds"`
	AspectRatio      string `json:"aspectRatio,omitempty"`
	SampleCount      int    `json:"sampleCount"`
	GenerateAudio    bool   `json:"generateAudio"`
	Resolution       string `json:"resolution,omitempty"`
	NegativePrompt   string `json:"negativePrompt,omitempty"`
	Seed             *int64 `json:"seed,omitempty"`
	StorageURI       string `json:"storageUri,omitempty"` // Results are written here instead of inline when set.
	PersonGeneration string `json:"personGeneration,omitempty"`
}

// Transport performs the three remote calls of the long-running protocol.
// Submit classifies its own failures; Fetch and Cancel return *StatusError for
// non-2xx replies and leave classification to the caller.
type Transport interface {
	Submit(ctx context.Context, token, modelName string, body *PredictRequest) (operationName string, err error)
	Fetch(ctx context.Context, token, modelName, operationName string) (*model.Operation, error)
	Cancel(ctx context.Context, token, operationName string) error
}

// StatusError is a non-2xx HTTP reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// VertexTransport talks to the Vertex AI REST surface.
type VertexTransport struct {
	BaseURL    string // https://{location}-aiplatform.googleapis.com/v1/projects/{project}/locations/{location}
	APIRoot    string // Host root used for operation-scoped calls such as cancel.
	HTTPClient *http.Client
}

// NewVertexTransport builds the transport for a project and location. A
// non-empty endpoint replaces the regional host, which is how tests and
// proxies are wired in.
func NewVertexTransport(project, location, endpoint string, httpClient *http.Client) *VertexTransport {
	root := strings.TrimSuffix(endpoint, "/")
	if root == "" {
		root = fmt.Sprintf("https://%s-aiplatform.googleapis.com", location)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &VertexTransport{
		BaseURL:    fmt.Sprintf("%s/v1/projects/%s/locations/%s", root, project, location),
		APIRoot:    root + "/v1",
		HTTPClient: httpClient,
	}
}

func (t *VertexTransport) modelURL(modelName, method string) string {
	return fmt.Sprintf("%s/publishers/google/models/%s:%s", t.BaseURL, modelName, method)
}

// Submit starts a job and returns the operation name.
func (t *VertexTransport) Submit(ctx context.Context, token, modelName string, body *PredictRequest) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	err := t.post(ctx, token, t.modelURL(modelName, "predictLongRunning"), body, &out)
	if err != nil {
		return "", classifySubmit(err)
	}
	if out.Name == "" {
		return "", &SubmissionError{Kind: SubmissionTransient, Err: errors.New("response did not include an operation name")}
	}
	return out.Name, nil
}

// Fetch returns the current snapshot of an operation.
func (t *VertexTransport) Fetch(ctx context.Context, token, modelName, operationName string) (*model.Operation, error) {
	op := &model.Operation{}
	body := map[string]string{"operationName": operationName}
	if err := t.post(ctx, token, t.modelURL(modelName, "fetchPredictOperation"), body, op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		op.Name = operationName
	}
	return op, nil
}

// Cancel asks the service to stop an operation. Success does not mean the
// job has stopped.
func (t *VertexTransport) Cancel(ctx context.Context, token, operationName string) error {
	return t.post(ctx, token, fmt.Sprintf("%s/%s:cancel", t.APIRoot, strings.TrimPrefix(operationName, "/")), struct{}{}, nil)
}

func (t *VertexTransport) post(ctx context.Context, token, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classifySubmit turns a transport failure of the submit call into the error
// taxonomy: credential rejections are auth errors, throttling and server
// faults are transient, any other 4xx is the caller's fault.
func classifySubmit(err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &SubmissionError{Kind: SubmissionTransient, Err: err}
	}
	switch {
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		return &AuthError{Err: se}
	case se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusRequestTimeout || se.StatusCode >= 500:
		return &SubmissionError{Kind: SubmissionTransient, StatusCode: se.StatusCode, Body: se.Body}
	default:
		return &SubmissionError{Kind: SubmissionClient, StatusCode: se.StatusCode, Body: se.Body}
	}
}

// classifyPoll decides what a failed fetch means. It returns nil for failures
// worth polling through.
func classifyPoll(operationName string, err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return nil
	}
	switch {
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		return &AuthError{Err: se}
	case se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusRequestTimeout || se.StatusCode >= 500:
		return nil
	default:
		return &GenerationError{Operation: operationName, Code: se.StatusCode, Message: se.Body}
	}
}
