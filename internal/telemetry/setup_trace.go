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

// Package telemetry provides utilities for setting up and configuring
// application observability, including logging, tracing, and metrics.
// This file initializes the OpenTelemetry SDK. The chain commands and the
// generation clients create spans and counters through the global providers
// installed here.
//
// Logic Flow:
//  1. The autoprop propagator is installed, so trace context crosses the
//     Pub/Sub and HTTP hops.
//  2. Without telemetry.export (or without a project) only a local tracer
//     provider is installed. Spans get real ids for log correlation and are
//     never exported.
//  3. Otherwise the process resource is detected and Cloud Trace and Cloud
//     Monitoring exporters are attached.
package telemetry

import (
	"context"
	"errors"
	"log/slog"

	mexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// providers collects the shutdown hooks of everything installed.
type providers []func(context.Context) error

func (p *providers) add(fn func(context.Context) error) { *p = append(*p, fn) }

func (p *providers) shutdown(ctx context.Context) error {
	var err error
	for _, fn := range *p {
		err = errors.Join(err, fn(ctx))
	}
	*p = nil
	return err
}

// sampler keeps every trace unless a ratio in (0, 1) is configured. Child
// spans follow their parent's decision so a generation is never half traced.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// detectResource describes this process. Partial detection (for example when
// running outside Google Cloud) is logged and tolerated.
func detectResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		slog.Warn("partial resource detection", "error", err)
		return res, nil
	}
	return res, err
}

// SetupOpenTelemetry installs the global tracer and meter providers. The
// returned `shutdown` function flushes whatever is buffered and must be
// called on exit.
//
// Inputs:
//   - ctx: The parent context, used for initialization of clients.
//   - config: The application's configuration: project, service name and the
//     telemetry section.
//
// Returns:
//   - shutdown: Shuts down every provider that was installed.
//   - err: An error if any part of the setup fails. Providers installed
//     before the failure are already shut down.
func SetupOpenTelemetry(ctx context.Context, config *cloud.Config) (shutdown func(context.Context) error, err error) {
	var installed providers
	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())
	project := config.Application.GoogleProjectId
	sample := sampler(config.Telemetry.SampleRatio)

	if !config.Telemetry.Export || project == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sample),
			sdktrace.WithResource(resource.NewSchemaless(semconv.ServiceNameKey.String(config.Application.Name))),
		)
		installed.add(tp.Shutdown)
		otel.SetTracerProvider(tp)
		slog.Debug("telemetry export disabled")
		return installed.shutdown, nil
	}

	res, err := detectResource(ctx, config.Application.Name)
	if err != nil {
		slog.Error("resource detection failed", "error", err)
		return nil, err
	}

	traceExporter, err := texporter.New(texporter.WithProjectID(project))
	if err != nil {
		slog.Error("unable to set up trace exporter", "error", err)
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithSampler(sample),
		sdktrace.WithResource(res),
	)
	installed.add(tp.Shutdown)
	otel.SetTracerProvider(tp)

	metricExporter, err := mexporter.New(mexporter.WithProjectID(project))
	if err != nil {
		slog.Error("unable to set up metric exporter", "error", err)
		return nil, errors.Join(err, installed.shutdown(ctx))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	installed.add(mp.Shutdown)
	otel.SetMeterProvider(mp)

	slog.Info("telemetry export enabled", "project", project, "sample_ratio", config.Telemetry.SampleRatio)
	return installed.shutdown, nil
}
