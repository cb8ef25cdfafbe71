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

// This file holds the BigQuery SQL used to read the generation results table.
// The table name is injected with fmt.Sprintf because BigQuery cannot
// parameterize identifiers; every value is passed as a named query parameter.
package services

const (
	// QryRecentResults returns the newest rows first.
	//
	// Placeholders:
	// - `%s`: The fully qualified name of the results table.
	//
	// Parameters: @limit.
	QryRecentResults = "SELECT * FROM `%s` ORDER BY create_date DESC LIMIT @limit"

	// QryResultsByRequest returns every row recorded for one request id. A
	// request redelivered by Pub/Sub can have more than one.
	//
	// Placeholders:
	// - `%s`: The fully qualified name of the results table.
	//
	// Parameters: @request_id.
	QryResultsByRequest = "SELECT * FROM `%s` WHERE request_id = @request_id ORDER BY create_date DESC"

	// QryCostSummary aggregates spend per model and kind since a point in time.
	// Failed generations are counted but carry no cost.
	//
	// Placeholders:
	// - `%s`: The fully qualified name of the results table.
	//
	// Parameters: @since.
	QryCostSummary = "SELECT model, kind, COUNT(*) AS generations, COUNTIF(success) AS succeeded, " +
		"SUM(IF(success, cost, 0)) AS total_cost FROM `%s` WHERE create_date >= @since " +
		"GROUP BY model, kind ORDER BY total_cost DESC"
)
