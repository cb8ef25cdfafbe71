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
// generation workflow shared by the Pub/Sub worker, the HTTP job service, and
// the batch runner.
package workflow

import (
	"context"
	"fmt"

	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/commands"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// Dependencies are the collaborators a GenerationWorkflow runs against. Nil
// fields switch the corresponding step off.
type Dependencies struct {
	Video    commands.Generator      // Runs video requests.
	Image    commands.Generator      // Runs image requests.
	Uploader commands.ObjectUploader // Copies artifacts to Output.UploadBucket.
	Inserter commands.RowInserter    // Records every result.
}

// DependenciesFromClients wires the workflow to the service clients. Upload is
// enabled when an upload bucket is configured and persistence when a results
// table is configured.
func DependenciesFromClients(config *cloud.Config, clients *cloud.ServiceClients) Dependencies {
	var deps Dependencies
	if clients.Generation != nil {
		// Nil clients must not become non-nil Generators.
		if clients.Generation.Video != nil {
			deps.Video = clients.Generation.Video
		}
		if image := clients.Generation.Image(""); image != nil {
			deps.Image = image
		}
	}
	if clients.StorageClient != nil && config.Output.UploadBucket != "" {
		deps.Uploader = &cloud.GCSUploader{Client: clients.StorageClient}
	}
	if clients.BigQueryClient != nil && config.BigQueryDataSource.DatasetName != "" && config.BigQueryDataSource.ResultsTable != "" {
		deps.Inserter = clients.BigQueryClient.
			Dataset(config.BigQueryDataSource.DatasetName).
			Table(config.BigQueryDataSource.ResultsTable).
			Inserter()
	}
	return deps
}

// GenerationWorkflow turns a request message into generated media. It is
// structured as a Chain of Responsibility (cor.Chain):
//
//  1. parse the message and apply request defaults,
//  2. optionally enrich a free-text video prompt,
//  3. generate through the video or image client,
//  4. optionally upload the artifacts.
//
// The result is persisted after the chain whenever one was produced, failed
// generations included.
type GenerationWorkflow struct {
	cor.BaseCommand
	config   *cloud.Config
	deps     Dependencies
	chain    *cor.BaseChain // The underlying chain of commands to be executed.
	finalize []cor.Command  // Run after the chain, even when it failed.
}

// NewGenerationWorkflow is the constructor for the GenerationWorkflow.
//
// Inputs:
//   - config: The application's overall configuration.
//   - deps: The generators and the optional upload and persistence targets.
//
// Outputs:
//   - *GenerationWorkflow: The workflow with its chain built.
func NewGenerationWorkflow(config *cloud.Config, deps Dependencies) *GenerationWorkflow {
	w := &GenerationWorkflow{
		BaseCommand: *cor.NewBaseCommand("generation-workflow"),
		config:      config,
		deps:        deps,
	}
	w.initializeChain()
	return w
}

// initializeChain builds the sequence of commands that make up this workflow.
func (w *GenerationWorkflow) initializeChain() {
	out := cor.NewBaseChain(w.GetName())

	out.AddCommand(commands.NewGenerationRequestReader("generation-request-reader", w.config.RequestDefaults()))
	if w.config.Defaults.EnrichPrompts {
		out.AddCommand(commands.NewPromptEnricher("prompt-enricher"))
	}
	out.AddCommand(commands.NewMediaGenerate("media-generate", w.deps.Video, w.deps.Image))
	if w.deps.Uploader != nil {
		out.AddCommand(commands.NewArtifactUpload(
			"artifact-upload",
			w.deps.Uploader,
			w.config.Output.UploadBucket,
			w.config.Output.UploadPrefix))
	}
	w.chain = out

	if w.deps.Inserter != nil {
		w.finalize = append(w.finalize, commands.NewResultPersist("result-persist", w.deps.Inserter))
	}
}

// Steps lists the names of the commands the workflow runs, in order.
func (w *GenerationWorkflow) Steps() []string {
	steps := w.chain.Commands()
	for _, c := range w.finalize {
		steps = append(steps, c.GetName())
	}
	return steps
}

// Execute runs the chain and then the finalizing commands.
//
// Inputs:
//   - context: The chain of responsibility context for this execution. CtxIn
//     holds the request message.
func (w *GenerationWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
	for _, c := range w.finalize {
		if c.IsExecutable(context) {
			c.Execute(context)
		}
	}
}

// Run executes the workflow for one request and returns its result. A request
// rejected before generation still yields a failed result, so callers always
// have something to report.
//
// Inputs:
//   - ctx: Cancelling it cancels the generation.
//   - in: A model.GenerationRequest, or the request as JSON.
//
// Outputs:
//   - *model.GenerationResult: Never nil.
//   - error: The joined chain errors, or nil.
func (w *GenerationWorkflow) Run(ctx context.Context, in any) (*model.GenerationResult, error) {
	chainCtx := cor.NewBaseContext()
	chainCtx.SetContext(ctx)
	chainCtx.Add(cor.CtxIn, in)
	w.Execute(chainCtx)

	err := chainCtx.Err()
	if res, ok := cor.GetAs[*model.GenerationResult](chainCtx, commands.ResultParam); ok && res != nil {
		if err != nil && res.Success {
			// Generation succeeded but a later step failed.
			res.Warnings = append(res.Warnings, err.Error())
		}
		return res, err
	}
	return rejectedResult(in, err), err
}

func rejectedResult(in any, err error) *model.GenerationResult {
	res := &model.GenerationResult{State: model.StateFailed, ErrorKind: generation.KindOf(err)}
	if req, ok := in.(model.GenerationRequest); ok {
		res.RequestID = req.ID
		res.Kind = req.Kind
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Error = fmt.Sprintf("no result produced for %T input", in)
		res.ErrorKind = model.ErrorKindUnknown
	}
	return res
}
