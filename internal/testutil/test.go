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

// Package test provides utility functions and fixtures to support the
// application's test suite: the test configuration, request messages as they
// arrive over Pub/Sub, a fake clock, and fake Vertex AI and OAuth2 servers.
package test

import (
	"errors"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
)

// StateManager caches the test configuration so the TOML files are read once
// per test binary.
type StateManager struct {
	once   sync.Once
	config *cloud.Config
	err    error
}

var state = &StateManager{}

// HandleErr fails the test when err is not nil.
//
// Inputs:
//   - err: The error to check.
//   - t: The *testing.T object from the current test.
func HandleErr(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// GetTestVideoRequestMessage returns a generation request as it is published to
// the generation requests topic.
func GetTestVideoRequestMessage() string {
	return `{
  "id": "launch-teaser-001",
  "kind": "video",
  "prompt": "A slow dolly shot through a sunlit kitchen as a family unpacks groceries",
  "negative_prompt": "text overlays, watermarks",
  "duration_seconds": 8,
  "aspect_ratio": "16:9",
  "resolution": "1080p",
  "quality": "fast",
  "sample_count": 1,
  "generate_audio": true,
  "output_prefix": "kitchen"
}`
}

// GetTestImageRequestMessage returns an image request message.
func GetTestImageRequestMessage() string {
	return `{
  "id": "launch-still-001",
  "kind": "image",
  "prompt": "Product shot of a ceramic mug on a walnut table, morning light",
  "aspect_ratio": "1:1",
  "sample_count": 1,
  "output_prefix": "mug"
}`
}

// ConfigDir finds the repository's configs directory by walking up from the
// working directory to the module root.
func ConfigDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "configs"), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found above the working directory")
		}
		dir = parent
	}
}

// SetupOS points the configuration loader at the repository's configs
// directory and selects the "test" runtime, so `.env.test.toml` overrides
// `.env.toml`.
func SetupOS() (err error) {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err = os.Setenv(cloud.EnvConfigFilePrefix, dir); err != nil {
		return err
	}
	return os.Setenv(cloud.EnvConfigRuntime, "test")
}

// GetConfig returns a copy of the cached test configuration, loading it on
// first use. Tests may change the copy freely.
func GetConfig(t testing.TB) *cloud.Config {
	t.Helper()
	state.once.Do(func() {
		if state.err = SetupOS(); state.err != nil {
			return
		}
		config := cloud.NewConfig()
		if state.err = cloud.LoadConfig(config); state.err == nil {
			state.config = config
		}
	})
	if state.err != nil {
		t.Fatalf("failed to load test configuration: %v", state.err)
	}
	config := *state.config
	config.VideoModels = maps.Clone(state.config.VideoModels)
	config.ImageModels = maps.Clone(state.config.ImageModels)
	config.TopicSubscriptions = maps.Clone(state.config.TopicSubscriptions)
	return &config
}
