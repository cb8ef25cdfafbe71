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

// Command generator runs generation requests from the command line.
//
//	generator -batch requests.json
//	generator -prompt "A drone shot over a lake at sunrise" [-kind image]
//	generator -example
//
// Logs go to stderr. Stdout carries one `PROGRESS:{json}` line per finished
// request and a final `RESULT:{json}` line with the batch summary, so another
// process can drive the generator. The exit code is 0 when every request
// succeeded, 2 for bad flags or request input, and 1 for any other failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/workflow"
	"github.com/jaycherian/gcp-go-media-generation/internal/telemetry"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// options are the parsed command line flags.
type options struct {
	batch     string
	prompt    string
	kind      string
	example   bool
	workers   int
	configDir string
	runtime   string
	output    string
	upload    bool
	persist   bool
	verbose   bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("generator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.batch, "batch", "", "JSON file with the requests to run")
	fs.StringVar(&o.prompt, "prompt", "", "generate a single request from this prompt")
	fs.StringVar(&o.kind, "kind", string(model.KindVideo), "kind of the -prompt or -example request: video or image")
	fs.BoolVar(&o.example, "example", false, "run the built-in example request")
	fs.IntVar(&o.workers, "workers", 0, "concurrent requests; application.thread_pool_size when 0")
	fs.StringVar(&o.configDir, "config", "", "directory holding .env.toml; "+cloud.EnvConfigFilePrefix+" when empty")
	fs.StringVar(&o.runtime, "runtime", "", "configuration runtime (local, test, prod); "+cloud.EnvConfigRuntime+" when empty")
	fs.StringVar(&o.output, "output", "", "output directory; output.directory when empty")
	fs.BoolVar(&o.upload, "upload", false, "copy artifacts to output.upload_bucket")
	fs.BoolVar(&o.persist, "persist", false, "record results in the BigQuery results table")
	fs.BoolVar(&o.verbose, "v", false, "log every phase of every request")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	sources := 0
	for _, set := range []bool{o.batch != "", o.prompt != "", o.example} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, errors.New("exactly one of -batch, -prompt or -example is required")
	}
	if o.kind != string(model.KindVideo) && o.kind != string(model.KindImage) {
		return nil, fmt.Errorf("unknown -kind %q", o.kind)
	}
	return o, nil
}

// requests returns the requests selected by the flags.
func (o *options) requests() ([]model.GenerationRequest, error) {
	switch {
	case o.batch != "":
		return workflow.LoadBatchFile(o.batch)
	case o.example && o.kind == string(model.KindImage):
		return []model.GenerationRequest{model.GetExampleImageRequest()}, nil
	case o.example:
		return []model.GenerationRequest{model.GetExampleRequest()}, nil
	default:
		return []model.GenerationRequest{{Kind: model.Kind(o.kind), Prompt: o.prompt}}, nil
	}
}

// summary is the payload of the RESULT line.
type summary struct {
	RunID       string            `json:"run_id"`
	ReportPath  string            `json:"report_path,omitempty"`
	Total       int               `json:"total"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	SuccessRate float64           `json:"success_rate"`
	TotalCost   float64           `json:"total_cost"`
	Items       []model.BatchItem `json:"items"`
	Error       string            `json:"error,omitempty"`
}

// emit writes one machine readable line.
func emit(w io.Writer, prefix string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode output line", "prefix", prefix, "error", err)
		return
	}
	fmt.Fprintf(w, "%s:%s\n", prefix, b)
}

// execute runs the batch and prints the PROGRESS and RESULT lines.
func execute(ctx context.Context, config *cloud.Config, deps workflow.Dependencies, reqs []model.GenerationRequest, workers int, stdout io.Writer) int {
	generator := workflow.NewGenerationWorkflow(config, deps)
	slog.Info("starting batch", "requests", len(reqs), "workers", workers, "steps", generator.Steps())

	batch := workflow.NewBatchRunner(generator, workers, config.Output.Directory,
		workflow.WithProgress(func(p workflow.BatchProgress) {
			emit(stdout, "PROGRESS", p)
		}))
	report, path, err := batch.Run(ctx, reqs)

	out := summary{
		RunID:       report.RunID,
		ReportPath:  path,
		Total:       report.Total,
		Succeeded:   report.Succeeded,
		Failed:      report.Failed,
		SuccessRate: report.SuccessRate,
		TotalCost:   report.TotalCost,
		Items:       report.Items,
	}
	if err != nil {
		slog.Error("failed to write batch report", "error", err)
		out.Error = err.Error()
	}
	emit(stdout, "RESULT", out)
	slog.Info("batch finished",
		"run_id", report.RunID,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"total_cost", report.TotalCost,
		"report", path)

	if err != nil || report.Failed > 0 {
		return exitFailed
	}
	return exitOK
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return exitUsage
	}
	if opts.configDir != "" {
		_ = os.Setenv(cloud.EnvConfigFilePrefix, opts.configDir)
	}
	if opts.runtime != "" {
		_ = os.Setenv(cloud.EnvConfigRuntime, opts.runtime)
	}

	config, err := cloud.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	if opts.output != "" {
		config.Output.Directory = opts.output
	}
	if config.Output.Directory == "" {
		config.Output.Directory = cloud.DefaultOutputDirectory
	}

	closeLog, err := telemetry.SetupLogging(stderr, config.Telemetry.LogFile, config.Application.GoogleProjectId)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	defer closeLog()
	shutdown, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		return exitFailed
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(flushCtx)
	}()

	reqs, err := opts.requests()
	if err != nil {
		slog.Error("failed to read requests", "error", err)
		return exitUsage
	}

	deps, closeDeps, err := newDependencies(ctx, config, opts, reqs)
	if err != nil {
		slog.Error("failed to create clients", "error", err)
		return exitFailed
	}
	defer closeDeps()

	workers := opts.workers
	if workers <= 0 {
		workers = config.Application.ThreadPoolSize
	}
	return execute(ctx, config, deps, reqs, workers, stdout)
}

// newDependencies creates only the clients the run needs: the genai client
// when an image is requested, Cloud Storage for gs:// results and uploads,
// BigQuery when results are persisted.
func newDependencies(ctx context.Context, config *cloud.Config, opts *options, reqs []model.GenerationRequest) (workflow.Dependencies, func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	fail := func(err error) (workflow.Dependencies, func(), error) {
		closeAll()
		return workflow.Dependencies{}, func() {}, err
	}

	deps := cloud.GenerationDeps{}
	var storageClient *storage.Client
	if config.Video.StorageURI != "" || opts.upload {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fail(fmt.Errorf("failed to create storage client: %w", err))
		}
		closers = append(closers, client.Close)
		storageClient = client
		deps.Storage = client
	}
	if wantsImages(reqs, config) {
		genaiClient, err := cloud.NewGenAIClient(ctx, config)
		if err != nil {
			return fail(fmt.Errorf("failed to create genai client: %w", err))
		}
		deps.Models = genaiClient.Models
	}

	var clientOptions []generation.ClientOption
	if opts.verbose {
		clientOptions = append(clientOptions, generation.WithObserver(generation.ObserverFunc(logPhase)))
	}
	clients, err := cloud.NewGenerationClients(config, deps, clientOptions...)
	if err != nil {
		return fail(err)
	}

	clientSet := &cloud.ServiceClients{Generation: clients, StorageClient: storageClient}
	if opts.persist {
		bq, err := bigquery.NewClient(ctx, config.Application.GoogleProjectId)
		if err != nil {
			return fail(fmt.Errorf("failed to create bigquery client: %w", err))
		}
		closers = append(closers, bq.Close)
		clientSet.BigQueryClient = bq
	}
	return workflow.DependenciesFromClients(config, clientSet), closeAll, nil
}

func wantsImages(reqs []model.GenerationRequest, config *cloud.Config) bool {
	for _, r := range reqs {
		if r.WithDefaults(config.RequestDefaults()).Kind == model.KindImage {
			return true
		}
	}
	return false
}

func logPhase(e model.PhaseEvent) {
	slog.Info("phase",
		"request_id", e.RequestID,
		"phase", e.Phase,
		"state", e.State,
		"attempt", e.Attempt,
		"poll", e.Poll,
		"elapsed", e.Elapsed.String(),
		"detail", e.Detail)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
