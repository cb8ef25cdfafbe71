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

// Package cor (Chain of Responsibility). This file defines the `BaseChain`,
// the default implementation of the `Chain` interface.
//
// Logic Flow:
//  1. **Execution starts**: `Execute` opens a span covering the whole chain.
//  2. **Command Loop**: The chain iterates through its commands in order.
//  3. **Stop conditions**: Before each command the chain stops when the Go
//     context is done, or when an earlier command failed and
//     `continueOnFailure` is false.
//  4. **Execution**: Each command runs under its own child span. A panic inside
//     a command is recovered and recorded as that command's error, so one bad
//     message cannot take down a listener.
//  5. **Data Piping**: After a command executes, the value it placed under
//     `CtxOut` moves to `CtxIn`, making the output of one command the input of
//     the next.
//  6. **Completion**: The last output is published under both keys and the
//     chain span is closed with the final status.
package cor

import (
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BaseChain is the default implementation of the Chain interface.
type BaseChain struct {
	BaseCommand
	continueOnFailure bool      // Keep executing after a command records an error.
	commands          []Command // The ordered list of commands that this chain will execute.
}

// NewBaseChain is the constructor for BaseChain.
//
// Inputs:
//   - name: A string name for this chain instance, used for errors and telemetry.
//
// Outputs:
//   - *BaseChain: A pointer to the newly instantiated chain.
func NewBaseChain(name string) *BaseChain {
	return &BaseChain{BaseCommand: *NewBaseCommand(name)}
}

// ContinueOnFailure sets the error handling behavior of the chain.
func (c *BaseChain) ContinueOnFailure(continueOnFailure bool) Chain {
	c.continueOnFailure = continueOnFailure
	return c
}

// AddCommand appends a command to the chain.
func (c *BaseChain) AddCommand(command Command) Chain {
	c.commands = append(c.commands, command)
	return c
}

// Commands returns the names of the commands in execution order.
func (c *BaseChain) Commands() []string {
	names := make([]string, len(c.commands))
	for i, command := range c.commands {
		names[i] = command.GetName()
	}
	return names
}

// IsExecutable reports whether the chain can run, which only needs a Go context.
func (c *BaseChain) IsExecutable(context Context) bool {
	return context != nil && context.GetContext() != nil
}

// Execute runs the commands of the chain in order.
//
// Inputs:
//   - chCtx: The shared `cor.Context` for the entire workflow execution.
func (c *BaseChain) Execute(chCtx Context) {
	parentCtx := chCtx.GetContext()
	outerCtx, chainSpan := c.Tracer.Start(parentCtx, fmt.Sprintf("%s_execute", c.GetName()))
	defer chainSpan.End()
	// Nested chains hand the parent's context back when they finish.
	defer chCtx.SetContext(parentCtx)

	for _, command := range c.commands {
		if err := outerCtx.Err(); err != nil {
			chCtx.AddError(command.GetName(), fmt.Errorf("not started: %w", err))
			break
		}
		if chCtx.HasErrors() && !c.continueOnFailure {
			break
		}

		commandContext, commandSpan := c.Tracer.Start(outerCtx, command.GetName())
		executed := command.IsExecutable(chCtx)
		if executed {
			chCtx.SetContext(commandContext)
			c.run(command, chCtx, commandSpan)
			chCtx.SetContext(outerCtx)
		} else {
			err := fmt.Errorf("command not executable: %s", command.GetName())
			commandSpan.SetStatus(codes.Error, err.Error())
			if !c.continueOnFailure {
				chCtx.AddError(command.GetName(), err)
			}
		}

		if _, failed := chCtx.GetErrors()[command.GetName()]; failed {
			commandSpan.SetStatus(codes.Error, "command failed")
		} else if executed {
			commandSpan.SetStatus(codes.Ok, "command completed successfully")
		}
		commandSpan.End()

		outputValue := chCtx.Get(CtxOut)
		chCtx.Remove(CtxIn)
		if outputValue != nil {
			chCtx.Add(CtxIn, outputValue)
		}
		chCtx.Remove(CtxOut)
	}

	// The chain's output is the output of its last command, which lets a
	// nested chain pipe like any other command.
	if outputValue := chCtx.Get(CtxIn); outputValue != nil {
		chCtx.Add(CtxOut, outputValue)
	}

	if !chCtx.HasErrors() {
		c.Succeed(chCtx)
		chainSpan.SetStatus(codes.Ok, "chain completed successfully")
	} else {
		c.ErrorCounter.Add(outerCtx, 1)
		chainSpan.SetStatus(codes.Error, "chain failed to execute")
	}
}

func (c *BaseChain) run(command Command, chCtx Context, span trace.Span) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			span.RecordError(err)
			chCtx.AddError(command.GetName(), err)
		}
	}()
	command.Execute(chCtx)
}
