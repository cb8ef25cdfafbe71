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

// Package cor (Chain of Responsibility) provides the building blocks the
// generation workflows are assembled from: commands that each do one step,
// chains that run commands in order, and a context that carries data and
// errors between them.
package cor

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CtxIn and CtxOut are constant keys used to manage the primary data flow
// within a BaseChain.
const (
	// CtxIn is the default key for the primary input of a command. The BaseChain
	// populates it with the output of the previous command.
	CtxIn = "__IN__"
	// CtxOut is the default key where a command places its primary output.
	CtxOut = "__OUT__"
)

// Context is the shared state of one workflow execution. Commands read their
// inputs from it, write their outputs to it, and record failures in it.
// Implementations must be safe for concurrent readers.
type Context interface {
	// SetContext sets the standard Go context carrying cancellation and the
	// current trace span.
	SetContext(context context.Context)

	// GetContext retrieves the standard Go context.
	GetContext() context.Context

	// Add stores a value. It returns the Context to allow chaining.
	Add(key string, value any) Context

	// Get retrieves a value, or nil when the key is absent.
	Get(key string) any

	// Remove deletes a value.
	Remove(key string)

	// AddError records a failure. The key is usually the name of the command.
	AddError(key string, err error)

	// GetErrors returns a copy of the recorded failures keyed by command.
	GetErrors() map[string]error

	// HasErrors reports whether any failure was recorded.
	HasErrors() bool

	// Err joins the recorded failures in the order they happened, or returns
	// nil when there are none.
	Err() error
}

// Executable is a simple interface for any object that has a core execution logic.
type Executable interface {
	Execute(context Context)
}

// Command is one step of a workflow.
type Command interface {
	Executable

	// GetName returns the unique name of the command, used for errors and telemetry.
	GetName() string

	// GetInputParam returns the key the command reads its primary input from.
	GetInputParam() string

	// GetOutputParam returns the key the command writes its primary output to.
	GetOutputParam() string

	// IsExecutable checks the preconditions of Execute.
	IsExecutable(context Context) bool

	GetTracer() trace.Tracer
	GetMeter() metric.Meter
	GetSuccessCounter() metric.Int64Counter
	GetErrorCounter() metric.Int64Counter
}

// Chain is a sequence of commands. It is itself a Command, so chains nest.
type Chain interface {
	Command

	// ContinueOnFailure tells the chain whether to keep going after a command
	// records an error.
	ContinueOnFailure(bool) Chain

	// AddCommand appends a command to the execution sequence.
	AddCommand(command Command) Chain
}
