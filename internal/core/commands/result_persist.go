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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines the
// command responsible for persisting generation results to BigQuery.
//
// Logic Flow:
// Every result is recorded, failed ones included, so spend and failure rates
// can be queried later.
//
//  1. It retrieves the request and the result from the context.
//  2. It flattens them into a `model.GenerationRecord`.
//  3. It streams the record into the results table through a BigQuery
//     `Inserter`. The client library maps struct fields to columns using the
//     `bigquery` struct tags.
//
// The insert runs detached from the workflow's cancellation, so a generation
// that was cancelled is still recorded.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// persistTimeout bounds the detached insert.
const persistTimeout = 30 * time.Second

// RowInserter streams rows into a table. *bigquery.Inserter satisfies it.
type RowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// ResultPersist is a command that saves a generation record to a BigQuery table.
type ResultPersist struct {
	cor.BaseCommand
	inserter RowInserter
}

// NewResultPersist is the constructor for the ResultPersist command.
//
// Inputs:
//   - name: A string name for this command instance.
//   - inserter: The destination table's inserter.
//
// Outputs:
//   - *ResultPersist: A pointer to the newly instantiated command.
func NewResultPersist(name string, inserter RowInserter) *ResultPersist {
	return &ResultPersist{BaseCommand: *cor.NewBaseCommand(name), inserter: inserter}
}

// NewBigQueryResultPersist builds a ResultPersist writing to dataset.table.
func NewBigQueryResultPersist(name string, client *bigquery.Client, dataset string, table string) *ResultPersist {
	return NewResultPersist(name, client.Dataset(dataset).Table(table).Inserter())
}

// IsExecutable overrides the default behavior to ensure that a result exists
// in the context before execution.
func (s *ResultPersist) IsExecutable(context cor.Context) bool {
	return context != nil && context.GetContext() != nil && context.Get(ResultParam) != nil
}

// Execute contains the core logic for writing the data to BigQuery.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (s *ResultPersist) Execute(context cor.Context) {
	res, ok := cor.GetAs[*model.GenerationResult](context, ResultParam)
	if !ok || res == nil {
		s.Fail(context, errMissing(ResultParam, "*model.GenerationResult"))
		return
	}
	req, _ := cor.GetAs[model.GenerationRequest](context, RequestParam)
	record := model.NewGenerationRecord(req, res)

	ctx, cancel := contextWithTimeout(context.GetContext())
	defer cancel()
	if err := s.inserter.Put(ctx, record); err != nil {
		slog.ErrorContext(ctx, "failed to write generation record", "request_id", record.RequestID, "error", err)
		s.Fail(context, fmt.Errorf("bigquery insert failed for request '%s': %w", record.RequestID, err))
		return
	}

	s.Succeed(context)
	context.Add(s.GetOutputParam(), res)
	slog.InfoContext(ctx, "persisted generation record", "request_id", record.RequestID, "success", record.Success)
}

func contextWithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), persistTimeout)
}
