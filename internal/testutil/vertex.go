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

package test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// FakeVertexConfig scripts the replies of a FakeVertex server.
type FakeVertexConfig struct {
	// SubmitStatuses are returned, in order, by successive submit calls.
	// Once exhausted (or when empty) submits succeed.
	SubmitStatuses []int
	// PollStatuses are returned, in order, by successive polls before the
	// operation snapshot is served.
	PollStatuses []int
	// DoneWhen decides whether the operation is done at the given poll
	// (1-based, counting only successful polls). When nil the operation is
	// done once DoneAfterPolls polls have been served.
	DoneWhen       func(poll int) bool
	DoneAfterPolls int
	// OperationError makes a done operation fail.
	OperationError *model.OperationError
	// Videos are returned in the done response. When nil a single inline
	// video with FakeVideoBytes is returned.
	Videos          []model.VideoPayload
	FilteredCount   int
	FilteredReasons []string
	// CancelStatus is the reply to a cancel call; zero means 200.
	CancelStatus int
}

// FakeVideoBytes is the payload of the default inline video. It starts with
// an ISO base media header so content sniffing reports video/mp4.
var FakeVideoBytes = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isomfake-video-payload")

// FakeVertex is an httptest server that speaks the predictLongRunning,
// fetchPredictOperation and cancel calls of the Vertex AI REST surface.
type FakeVertex struct {
	Server *httptest.Server

	mu           sync.Mutex
	cfg          FakeVertexConfig
	submits      int
	pollCalls    int
	donePolls    int
	cancels      []string
	submitBodies [][]byte
	authHeaders  []string
}

// NewFakeVertex starts a server that is closed when the test ends.
func NewFakeVertex(t testing.TB, cfg FakeVertexConfig) *FakeVertex {
	t.Helper()
	f := &FakeVertex{cfg: cfg}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the endpoint to pass to the transport.
func (f *FakeVertex) URL() string { return f.Server.URL }

func (f *FakeVertex) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))

	switch path := r.URL.Path; {
	case strings.HasSuffix(path, ":predictLongRunning"):
		f.submit(w, path, body)
	case strings.HasSuffix(path, ":fetchPredictOperation"):
		f.fetch(w, body)
	case strings.HasSuffix(path, ":cancel"):
		f.cancel(w, path)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeVertex) submit(w http.ResponseWriter, path string, body []byte) {
	f.submits++
	f.submitBodies = append(f.submitBodies, body)
	if i := f.submits - 1; i < len(f.cfg.SubmitStatuses) && f.cfg.SubmitStatuses[i] != http.StatusOK {
		status := f.cfg.SubmitStatuses[i]
		writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": http.StatusText(status)}})
		return
	}
	modelPath := strings.TrimSuffix(path[strings.Index(path, "projects/"):], ":predictLongRunning")
	writeJSON(w, http.StatusOK, map[string]string{"name": fmt.Sprintf("%s/operations/op-%d", modelPath, f.submits)})
}

func (f *FakeVertex) fetch(w http.ResponseWriter, body []byte) {
	f.pollCalls++
	if i := f.pollCalls - 1; i < len(f.cfg.PollStatuses) && f.cfg.PollStatuses[i] != http.StatusOK {
		status := f.cfg.PollStatuses[i]
		writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": http.StatusText(status)}})
		return
	}
	f.donePolls++

	var in struct {
		OperationName string `json:"operationName"`
	}
	_ = json.Unmarshal(body, &in)
	op := model.Operation{Name: in.OperationName}

	done := f.donePolls >= max(1, f.cfg.DoneAfterPolls)
	if f.cfg.DoneWhen != nil {
		done = f.cfg.DoneWhen(f.donePolls)
	}
	if done {
		op.Done = true
		if f.cfg.OperationError != nil {
			op.Error = f.cfg.OperationError
		} else {
			videos := f.cfg.Videos
			if videos == nil {
				videos = []model.VideoPayload{{
					BytesBase64Encoded: base64.StdEncoding.EncodeToString(FakeVideoBytes),
					MIMEType:           "video/mp4",
				}}
			}
			op.Response = &model.OperationResponse{
				Type:                    "type.googleapis.com/cloud.ai.large_models.vision.GenerateVideoResponse",
				Videos:                  videos,
				RAIMediaFilteredCount:   f.cfg.FilteredCount,
				RAIMediaFilteredReasons: f.cfg.FilteredReasons,
			}
		}
	}
	writeJSON(w, http.StatusOK, op)
}

func (f *FakeVertex) cancel(w http.ResponseWriter, path string) {
	name := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/"), ":cancel")
	f.cancels = append(f.cancels, name)
	status := f.cfg.CancelStatus
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Submits is the number of submit calls received.
func (f *FakeVertex) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// Polls is the number of poll calls received, failed ones included.
func (f *FakeVertex) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

// Cancels lists the operation names a cancel was received for.
func (f *FakeVertex) Cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

// SubmitBodies returns the raw bodies of every submit call.
func (f *FakeVertex) SubmitBodies() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.submitBodies...)
}

// AuthHeaders returns the Authorization header of every call.
func (f *FakeVertex) AuthHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authHeaders...)
}
