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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/pubsub"
	"github.com/jaycherian/gcp-go-media-generation/internal/api"
	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/services"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/workflow"
)

// StateManager holds the shared components of the server.
type StateManager struct {
	config     *cloud.Config
	cloud      *cloud.ServiceClients
	workflow   *workflow.GenerationWorkflow
	jobs       *services.JobService
	signer     *services.ArtifactURLSigner
	history    *services.HistoryService
	closeStore func() error
	listening  <-chan struct{} // Closed when the worker listener stops; nil without a worker.
}

var state = &StateManager{}

// SetupOS points the configuration loader at the configs directory unless the
// environment already does.
func SetupOS() error {
	if os.Getenv(cloud.EnvConfigFilePrefix) == "" {
		if err := os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
			return err
		}
	}
	if os.Getenv(cloud.EnvConfigRuntime) == "" {
		return os.Setenv(cloud.EnvConfigRuntime, "local")
	}
	return nil
}

// GetConfig loads the configuration once.
func GetConfig() (*cloud.Config, error) {
	if state.config == nil {
		if err := SetupOS(); err != nil {
			return nil, fmt.Errorf("failed to setup os: %w", err)
		}
		config, err := cloud.Load()
		if err != nil {
			return nil, err
		}
		state.config = config
	}
	return state.config, nil
}

// InitState creates the clients, the generation workflow, the job service and
// the optional Pub/Sub worker.
func InitState(ctx context.Context) error {
	config, err := GetConfig()
	if err != nil {
		return err
	}

	cloudClients, err := cloud.NewCloudServiceClients(ctx, config)
	if err != nil {
		return err
	}
	state.cloud = cloudClients

	store, closeStore, err := services.NewJobStore(ctx, config)
	if err != nil {
		return err
	}
	state.closeStore = closeStore

	state.workflow = workflow.NewGenerationWorkflow(config, workflow.DependenciesFromClients(config, cloudClients))
	state.jobs = services.NewJobService(store, state.workflow, config.RequestDefaults(), config.Application.ThreadPoolSize)
	if config.Output.UploadBucket != "" {
		state.signer = services.NewArtifactURLSigner(cloudClients.StorageClient, cloudClients.IAMClient, config.Application.SignerServiceAccountEmail)
	}
	if cloudClients.BigQueryClient != nil && config.BigQueryDataSource.ResultsTable != "" {
		state.history = &services.HistoryService{
			BigqueryClient: cloudClients.BigQueryClient,
			DatasetName:    config.BigQueryDataSource.DatasetName,
			ResultsTable:   config.BigQueryDataSource.ResultsTable,
		}
	}
	slog.Info("generation workflow ready", "steps", state.workflow.Steps(), "job_store", config.JobStore.Backend)

	if config.Server.EnableWorker {
		return SetupListeners(ctx, config, cloudClients, state.workflow)
	}
	return nil
}

// SetupListeners attaches the generation workflow to the generation request
// subscription and starts receiving.
func SetupListeners(ctx context.Context, config *cloud.Config, cloudClients *cloud.ServiceClients, generator *workflow.GenerationWorkflow) error {
	listener, ok := cloudClients.PubSubListeners[cloud.GenerationRequestsTopic]
	if !ok {
		return errors.New("server.enable_worker is set but topic_subscriptions." + cloud.GenerationRequestsTopic + " is not configured")
	}
	listener.SetCommand(generator)
	listener.OnSettle(func(msg *pubsub.Message, outcome cloud.Settlement) {
		slog.Info("request message settled", "message_id", msg.ID, "outcome", outcome)
	})
	state.listening = listener.Listen(ctx)
	slog.Info("worker listening", "subscription", config.TopicSubscriptions[cloud.GenerationRequestsTopic].Name)
	return nil
}

// Handlers returns the API handlers backed by the state.
func (s *StateManager) Handlers() *api.Handlers {
	h := &api.Handlers{
		Jobs:    s.jobs,
		Limiter: s.cloud.Generation.Limiter,
		URLTTL:  s.config.SignedURLTTL(),
	}
	// Nil pointers must stay nil interfaces.
	if s.signer != nil {
		h.Signer = s.signer
	}
	if s.history != nil {
		h.History = s.history
	}
	return h
}

// Close waits for running jobs until ctx expires and releases every client.
func (s *StateManager) Close(ctx context.Context) {
	if s.jobs != nil {
		if err := s.jobs.Close(ctx); err != nil {
			slog.Warn("jobs cancelled at shutdown", "error", err)
		}
	}
	if s.listening != nil {
		select {
		case <-s.listening:
		case <-ctx.Done():
		}
	}
	if s.closeStore != nil {
		_ = s.closeStore()
	}
	if s.cloud != nil {
		s.cloud.Close()
	}
}
