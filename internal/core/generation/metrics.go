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

package generation

import (
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope shared by every generation metric.
const MeterName = "github.com/jaycherian/gcp-go-media-generation"

type clientMetrics struct {
	attempts metric.Int64Counter
	polls    metric.Int64Counter
	outcomes metric.Int64Counter
}

// newClientMetrics registers the counters for a client. A failed registration
// is logged and leaves a no-op counter in place.
func newClientMetrics(name string) *clientMetrics {
	meter := otel.Meter(MeterName)
	counter := func(suffix, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(fmt.Sprintf("%s.%s", name, suffix), metric.WithDescription(description))
		if err != nil {
			log.Printf("error creating %s counter for '%s': %v\n", suffix, name, err)
		}
		if c == nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return &clientMetrics{
		attempts: counter("counter.attempts", "Generation attempts, including retries."),
		polls:    counter("counter.polls", "Operation status polls."),
		outcomes: counter("counter.outcomes", "Finished generate calls by outcome."),
	}
}
