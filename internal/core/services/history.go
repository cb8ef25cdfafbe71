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

// This file defines the HistoryService, which reads back the rows that the
// ResultPersist command streams into BigQuery. Unlike the job store it
// covers every generation, including those run by the worker and the CLI.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"google.golang.org/api/iterator"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// HistoryService queries the generation results table.
type HistoryService struct {
	BigqueryClient *bigquery.Client // Client for interacting with Google BigQuery.
	DatasetName    string           // The name of the BigQuery dataset.
	ResultsTable   string           // The table ResultPersist writes to.
}

// table returns the dotted `project.dataset.table` name used in SQL.
func (s *HistoryService) table() string {
	return strings.Replace(s.BigqueryClient.Dataset(s.DatasetName).Table(s.ResultsTable).FullyQualifiedName(), ":", ".", -1)
}

func (s *HistoryService) recentQuery(limit int) *bigquery.Query {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	q := s.BigqueryClient.Query(fmt.Sprintf(QryRecentResults, s.table()))
	q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: limit}}
	return q
}

func (s *HistoryService) requestQuery(requestID string) *bigquery.Query {
	q := s.BigqueryClient.Query(fmt.Sprintf(QryResultsByRequest, s.table()))
	q.Parameters = []bigquery.QueryParameter{{Name: "request_id", Value: requestID}}
	return q
}

func (s *HistoryService) costQuery(since time.Time) *bigquery.Query {
	q := s.BigqueryClient.Query(fmt.Sprintf(QryCostSummary, s.table()))
	q.Parameters = []bigquery.QueryParameter{{Name: "since", Value: since.UTC()}}
	return q
}

// Recent returns the newest generation records.
//
// Inputs:
//   - ctx: The context for the request, used for cancellation and tracing.
//   - limit: The number of rows to return. Values <= 0 use DefaultHistoryLimit
//     and values above MaxHistoryLimit are clamped.
//
// Outputs:
//   - []*model.GenerationRecord: The rows, newest first. Never nil.
//   - error: An error if the query or row scanning fails.
func (s *HistoryService) Recent(ctx context.Context, limit int) ([]*model.GenerationRecord, error) {
	return readAll[model.GenerationRecord](ctx, s.recentQuery(limit))
}

// ForRequest returns every record stored for a request id, newest first.
func (s *HistoryService) ForRequest(ctx context.Context, requestID string) ([]*model.GenerationRecord, error) {
	return readAll[model.GenerationRecord](ctx, s.requestQuery(requestID))
}

// CostSummary aggregates spend per model and kind for records created at or
// after since.
func (s *HistoryService) CostSummary(ctx context.Context, since time.Time) ([]*model.CostSummary, error) {
	return readAll[model.CostSummary](ctx, s.costQuery(since))
}

func readAll[T any](ctx context.Context, q *bigquery.Query) ([]*T, error) {
	out := make([]*T, 0)
	itr, err := q.Read(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to read from BigQuery: %w", err)
	}
	for {
		r := new(T)
		err := itr.Next(r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to iterate results: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
