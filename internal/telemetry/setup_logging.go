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
// This file handles structured logging that Google Cloud Logging parses
// natively and that carries the trace of the generate call it belongs to.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// spanContextLogHandler wraps another handler and adds the OpenTelemetry trace
// and span IDs found in the record's context, using the field names Google
// Cloud Logging correlates with Cloud Trace.
type spanContextLogHandler struct {
	slog.Handler
	projectID string // Qualifies the trace id when known.
}

func handlerWithSpanContext(handler slog.Handler, projectID string) *spanContextLogHandler {
	return &spanContextLogHandler{Handler: handler, projectID: projectID}
}

// Handle adds the trace fields when ctx carries a valid span.
// See: https://cloud.google.com/logging/docs/structured-logging#special-payload-fields
func (t *spanContextLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if s := trace.SpanContextFromContext(ctx); s.IsValid() {
		traceID := s.TraceID().String()
		if t.projectID != "" {
			traceID = fmt.Sprintf("projects/%s/traces/%s", t.projectID, traceID)
		}
		record.AddAttrs(
			slog.String("logging.googleapis.com/trace", traceID),
			slog.String("logging.googleapis.com/spanId", s.SpanID().String()),
			slog.Bool("logging.googleapis.com/trace_sampled", s.TraceFlags().IsSampled()),
		)
	}
	return t.Handler.Handle(ctx, record)
}

// WithAttrs and WithGroup keep the wrapper, otherwise loggers derived with
// slog.With would lose the trace fields.
func (t *spanContextLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return handlerWithSpanContext(t.Handler.WithAttrs(attrs), t.projectID)
}

func (t *spanContextLogHandler) WithGroup(name string) slog.Handler {
	return handlerWithSpanContext(t.Handler.WithGroup(name), t.projectID)
}

// replacer renames the default slog keys to the ones Cloud Logging expects
// ("severity", "timestamp", "message") and maps WARN onto its WARNING severity.
// https://cloud.google.com/logging/docs/reference/v2/rest/v2/LogEntry#LogSeverity
func replacer(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.LevelKey:
		a.Key = "severity"
		if level, ok := a.Value.Any().(slog.Level); ok && level == slog.LevelWarn {
			a.Value = slog.StringValue("WARNING")
		}
	case slog.TimeKey:
		a.Key = "timestamp"
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}

// SetupLogging initializes the logging system for the entire application.
// It configures both the standard `log` package and the structured `slog`
// package with a JSON handler that writes to out and, when logFile is set, to
// that file as well. Trace context is injected into every record.
//
// Inputs:
//   - out: The primary destination. The server logs to stdout; the CLI logs
//     to stderr because its stdout carries the PROGRESS and RESULT lines.
//   - logFile: Optional path of a file receiving a copy of every log line. The
//     file is truncated when it already exists.
//   - projectID: Used to qualify trace ids; may be empty.
//
// Outputs:
//   - func() error: Closes the log file, if one was opened.
//   - error: The log file could not be created.
func SetupLogging(out io.Writer, logFile, projectID string) (func() error, error) {
	closer := func() error { return nil }
	writer := out
	if logFile != "" {
		file, err := os.Create(logFile)
		if err != nil {
			return closer, fmt.Errorf("failed to create log file %s: %w", logFile, err)
		}
		closer = file.Close
		// Direct log output to both the primary destination and the file.
		writer = io.MultiWriter(out, file)
	}

	log.SetOutput(writer)
	log.SetPrefix("[INFO] ")
	log.SetFlags(log.Ldate | log.Ltime)

	slog.SetDefault(slog.New(NewHandler(writer, slog.LevelInfo, projectID)))
	return closer, nil
}

// NewHandler returns the JSON handler used by SetupLogging: Cloud Logging key
// names plus trace correlation.
func NewHandler(w io.Writer, level slog.Leveler, projectID string) slog.Handler {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replacer})
	return handlerWithSpanContext(jsonHandler, projectID)
}
