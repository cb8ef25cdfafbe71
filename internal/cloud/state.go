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

// Package cloud provides components for interacting with Google Cloud services.
// This file is responsible for initializing and holding the client objects the
// application needs. It acts as a dependency injection container: one
// `ServiceClients` value is created at start-up and passed to the workflows
// and API handlers.
//
// Logic Flow:
//  1. `NewCloudServiceClients` is called at application startup with the loaded `Config`.
//  2. It initializes clients for Storage, Pub/Sub, GenAI, BigQuery and, when a signer
//     is configured, the IAM credentials API.
//  3. It creates a Pub/Sub listener per configured subscription. Their commands are
//     attached later, once the workflows are built.
//  4. It builds the generation clients (`NewGenerationClients`): one shared rate
//     limiter, the Veo video client and a quota-aware image client per image model.
//
// The batch CLI only needs the generation clients, so it calls
// `NewGenerationClients` directly and skips Pub/Sub and BigQuery.
//
// Structs:
//   - ServiceClients: A container struct holding all initialized Google Cloud service clients.
//   - GenerationClients: The limiter and the clients that produce media.
//   - GenerationDeps: The external handles the generation clients are built from.
//
// Functions:
//   - Close: Gracefully shuts down all client connections.
//   - NewCloudServiceClients: Creates and configures all necessary clients.
//   - NewGenerationClients: Creates the limiter and the generation clients.
//   - NewTokenSource: Picks the bearer token source for the Vertex AI REST calls.
//   - NewGenAIClient: Creates the genai client for the configured backend.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/ratelimit"
	"google.golang.org/genai"
)

// DefaultOutputDirectory is used when output.directory is not configured.
const DefaultOutputDirectory = "output"

// ServiceClients is a central container for all the clients that interact
// with external services.
type ServiceClients struct {
	StorageClient   *storage.Client                   // Client for Google Cloud Storage (GCS).
	PubsubClient    *pubsub.Client                    // Client for Google Cloud Pub/Sub.
	GenAIClient     *genai.Client                     // Client for the Gemini image models.
	BigQueryClient  *bigquery.Client                  // Client for Google Cloud BigQuery.
	IAMClient       *credentials.IamCredentialsClient // Client for IAM to sign GCS URLs; nil without a signer.
	PubSubListeners map[string]*PubSubListener        // Active Pub/Sub listeners, keyed by a logical name from the config.
	Generation      *GenerationClients                // The limiter and the media generation clients.
}

// Close releases every client connection that was opened.
func (c *ServiceClients) Close() {
	if c.StorageClient != nil {
		_ = c.StorageClient.Close()
	}
	if c.PubsubClient != nil {
		_ = c.PubsubClient.Close()
	}
	if c.BigQueryClient != nil {
		_ = c.BigQueryClient.Close()
	}
	if c.IAMClient != nil {
		_ = c.IAMClient.Close()
	}
}

// GenerationClients groups everything a generate call needs. Every client
// draws on the same Limiter, so the quota window holds across video and image
// requests issued from one process.
type GenerationClients struct {
	Limiter      *ratelimit.Limiter
	Materializer *generation.Materializer
	Video        *generation.Client
	Images       map[string]*generation.ImageClient
	DefaultImage string // Key of the image client used when a request does not pick one.
}

// Image returns the image client registered under key, or the default one
// when key is empty. It is nil when no such client exists.
func (g *GenerationClients) Image(key string) *generation.ImageClient {
	if key == "" {
		key = g.DefaultImage
	}
	return g.Images[key]
}

// GenerationDeps are the external handles the generation clients are built
// from. Nil fields disable what depends on them: without Storage gs:// results
// cannot be fetched, without Models no image client is created.
type GenerationDeps struct {
	Storage    *storage.Client
	Models     ContentModels
	Tokens     generation.TokenSource
	HTTPClient *http.Client
}

// NewTokenSource picks the bearer token source for the Vertex AI REST calls: the
// configured or GOOGLE_APPLICATION_CREDENTIALS service account key when there is
// one, Application Default Credentials otherwise.
func NewTokenSource(config *Config) generation.TokenSource {
	if config.Application.CredentialsFile != "" || os.Getenv(generation.EnvCredentialsFile) != "" {
		return generation.NewServiceAccountTokenSource(config.Application.CredentialsFile)
	}
	return generation.NewDefaultCredentials()
}

// NewGenerationClients builds the shared limiter, the video client and one image
// client per configured image model.
//
// Inputs:
//   - config: The application configuration.
//   - deps: External handles; see GenerationDeps.
//   - options: Applied to every client (clock, observer).
//
// Outputs:
//   - *GenerationClients: The assembled clients.
//   - error: A configuration that cannot produce a working video client.
func NewGenerationClients(config *Config, deps GenerationDeps, options ...generation.ClientOption) (*GenerationClients, error) {
	if config.Application.GoogleProjectId == "" {
		return nil, errors.New("application.google_project_id is required")
	}
	if config.Application.GoogleLocation == "" {
		return nil, errors.New("application.location is required")
	}
	if len(config.VideoModels) == 0 {
		return nil, errors.New("at least one video_models entry is required")
	}

	outputDir := config.Output.Directory
	if outputDir == "" {
		outputDir = DefaultOutputDirectory
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}

	var fetcher generation.ObjectFetcher
	if deps.Storage != nil {
		fetcher = &generation.GCSFetcher{Client: deps.Storage}
	}
	downloads := deps.HTTPClient
	if downloads == nil && config.Video.DownloadTimeoutSeconds > 0 {
		downloads = &http.Client{Timeout: time.Duration(config.Video.DownloadTimeoutSeconds) * time.Second}
	}
	materializer := generation.NewMaterializer(outputDir, fetcher, downloads)

	tokens := deps.Tokens
	if tokens == nil {
		tokens = NewTokenSource(config)
	}

	limiter := ratelimit.New(config.LimiterConfig())
	transport := generation.NewVertexTransport(
		config.Application.GoogleProjectId,
		config.Application.GoogleLocation,
		config.Video.Endpoint,
		deps.HTTPClient,
	)
	clients := &GenerationClients{
		Limiter:      limiter,
		Materializer: materializer,
		Video:        generation.NewClient(config.VideoOptions(), limiter, tokens, transport, materializer, options...),
		Images:       make(map[string]*generation.ImageClient),
		DefaultImage: config.Defaults.ImageModel,
	}

	if deps.Models != nil {
		for key, values := range config.ImageModels {
			opts, _ := config.ImageOptions(key)
			wrapped := NewQuotaAwareImageModel(NewImageContentConfig(values), values.Model, deps.Models, values.RateLimit)
			clients.Images[key] = generation.NewImageClient(opts, limiter, wrapped, materializer, options...)
		}
	}
	if clients.DefaultImage == "" && len(clients.Images) == 1 {
		for key := range clients.Images {
			clients.DefaultImage = key
		}
	}
	return clients, nil
}

// NewGenAIClient creates the genai client for the image models. An API key
// selects the Gemini API backend, otherwise Vertex AI in the configured
// project and location is used.
func NewGenAIClient(ctx context.Context, config *Config) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		Project:  config.Application.GoogleProjectId,
		Location: config.Application.GoogleLocation,
		Backend:  genai.BackendVertexAI,
	}
	if config.Application.GeminiAPIKey != "" {
		cc = &genai.ClientConfig{APIKey: config.Application.GeminiAPIKey, Backend: genai.BackendGeminiAPI}
	}
	return genai.NewClient(ctx, cc)
}

// NewCloudServiceClients is a factory function that initializes all required
// clients based on the provided configuration.
//
// Inputs:
//   - ctx: The root context.Context for the application, used to manage the lifecycle of the clients.
//   - config: A pointer to the loaded application configuration (`Config`).
//   - options: Passed to every generation client.
//
// Outputs:
//   - *ServiceClients: A pointer to the fully initialized ServiceClients struct.
//   - error: An error if any of the clients fail to initialize.
func NewCloudServiceClients(ctx context.Context, config *Config, options ...generation.ClientOption) (cloud *ServiceClients, err error) {
	cloud = &ServiceClients{PubSubListeners: make(map[string]*PubSubListener)}
	// Anything opened before a failure is closed again.
	defer func() {
		if err != nil {
			cloud.Close()
			cloud = nil
		}
	}()

	if cloud.StorageClient, err = storage.NewClient(ctx); err != nil {
		return cloud, fmt.Errorf("failed to create storage client: %w", err)
	}
	if cloud.PubsubClient, err = pubsub.NewClient(ctx, config.Application.GoogleProjectId); err != nil {
		return cloud, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	if cloud.GenAIClient, err = NewGenAIClient(ctx, config); err != nil {
		return cloud, fmt.Errorf("failed to create genai client: %w", err)
	}
	if cloud.BigQueryClient, err = bigquery.NewClient(ctx, config.Application.GoogleProjectId); err != nil {
		return cloud, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	if config.Application.SignerServiceAccountEmail != "" {
		if cloud.IAMClient, err = credentials.NewIamCredentialsClient(ctx); err != nil {
			return cloud, fmt.Errorf("failed to create iam credentials client: %w", err)
		}
	}

	for subKey, values := range config.TopicSubscriptions {
		listener, err := NewPubSubListener(cloud.PubsubClient, values.Name, nil)
		if err != nil {
			return cloud, err
		}
		cloud.PubSubListeners[subKey] = listener
	}

	cloud.Generation, err = NewGenerationClients(config, GenerationDeps{
		Storage: cloud.StorageClient,
		Models:  cloud.GenAIClient.Models,
	}, options...)
	if err != nil {
		return cloud, err
	}
	slog.Info("cloud clients ready",
		"project", config.Application.GoogleProjectId,
		"location", config.Application.GoogleLocation,
		"image_models", len(cloud.Generation.Images),
		"listeners", len(cloud.PubSubListeners))
	return cloud, nil
}
