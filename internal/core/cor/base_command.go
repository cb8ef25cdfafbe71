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

package cor

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// MeterName is the instrumentation scope of the command counters.
const MeterName = "github.com/jaycherian/gcp-go-media-generation/cor"

// BaseCommand is the default implementation of the Command interface. Concrete
// commands embed it and implement Execute.
type BaseCommand struct {
	Name            string              // A unique name for the command, used for tracing and metrics.
	InputParamName  string              // The key to look up this command's primary input in the context.
	OutputParamName string              // The key to store this command's primary output in the context.
	Tracer          trace.Tracer        // An OpenTelemetry tracer for creating spans.
	Meter           metric.Meter        // An OpenTelemetry meter for creating metrics.
	SuccessCounter  metric.Int64Counter // Incremented on successful execution.
	ErrorCounter    metric.Int64Counter // Incremented when an error is recorded.
}

// NewBaseCommand initializes a command with a name and its OpenTelemetry
// instruments. A counter that cannot be created is replaced by a no-op one,
// so commands never have to nil-check.
//
// Inputs:
//   - name: The string name for this command.
//
// Outputs:
//   - *BaseCommand: A pointer to the newly instantiated command.
func NewBaseCommand(name string) *BaseCommand {
	meter := otel.Meter(MeterName)
	return &BaseCommand{
		Name:           name,
		Tracer:         otel.Tracer(name),
		Meter:          meter,
		SuccessCounter: newCounter(meter, name, "success"),
		ErrorCounter:   newCounter(meter, name, "error"),
	}
}

func newCounter(meter metric.Meter, name, outcome string) metric.Int64Counter {
	counter, err := meter.Int64Counter(fmt.Sprintf("%s.counter.%s", name, outcome))
	if err != nil {
		slog.Warn("failed to create command counter", "command", name, "outcome", outcome, "error", err)
		return noop.Int64Counter{}
	}
	return counter
}

func (c *BaseCommand) GetName() string {
	return c.Name
}

// IsExecutable checks that the context carries a Go context and a value under
// the input key.
func (c *BaseCommand) IsExecutable(context Context) bool {
	return context != nil && context.GetContext() != nil && context.Get(c.GetInputParam()) != nil
}

// GetInputParam returns the input key, CtxIn unless overridden. The default is
// what lets a BaseChain pipe one command's output into the next.
func (c *BaseCommand) GetInputParam() string {
	if len(c.InputParamName) == 0 {
		return CtxIn
	}
	return c.InputParamName
}

// GetOutputParam returns the output key, CtxOut unless overridden.
func (c *BaseCommand) GetOutputParam() string {
	if len(c.OutputParamName) == 0 {
		return CtxOut
	}
	return c.OutputParamName
}

func (c *BaseCommand) GetTracer() trace.Tracer { return c.Tracer }
func (c *BaseCommand) GetMeter() metric.Meter { return c.Meter }
func (c *BaseCommand) GetSuccessCounter() metric.Int64Counter { return c.SuccessCounter }
func (c *BaseCommand) GetErrorCounter() metric.Int64Counter { return c.ErrorCounter }

// Succeed counts a successful execution.
func (c *BaseCommand) Succeed(context Context) {
	c.SuccessCounter.Add(context.GetContext(), 1)
}

// Fail counts a failed execution and records err under the command name.
func (c *BaseCommand) Fail(context Context, err error) {
	c.ErrorCounter.Add(context.GetContext(), 1)
	context.AddError(c.GetName(), err)
}
