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

	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/ratelimit"
)

// Observer receives phase events as they happen. Implementations must be
// safe for concurrent use when a client is shared.
type Observer interface {
	OnEvent(event model.PhaseEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(event model.PhaseEvent)

func (f ObserverFunc) OnEvent(event model.PhaseEvent) { f(event) }

// tracker owns the state machine and the event log of one generate call.
type tracker struct {
	res      *model.GenerationResult
	observer Observer
	clock    ratelimit.Clock
	attempt  int
}

func newTracker(res *model.GenerationResult, observer Observer, clock ratelimit.Clock) *tracker {
	return &tracker{res: res, observer: observer, clock: clock}
}

// emit records an event in the current state.
func (t *tracker) emit(phase model.Phase, poll int, detail string) {
	now := t.clock.Now()
	event := model.PhaseEvent{
		RequestID: t.res.RequestID,
		Phase:     phase,
		State:     t.res.State,
		Attempt:   t.attempt,
		Poll:      poll,
		At:        now,
		Elapsed:   now.Sub(t.res.StartedAt),
		Detail:    detail,
	}
	t.res.Events = append(t.res.Events, event)
	if t.observer != nil {
		t.observer.OnEvent(event)
	}
}

// transition moves to next and records it. Illegal moves, including any move
// out of a terminal state, are a programming error.
func (t *tracker) transition(next model.JobState, phase model.Phase, detail string) {
	if t.res.State != next && !t.res.State.CanTransitionTo(next) {
		panic(fmt.Sprintf("illegal job state transition %s -> %s", t.res.State, next))
	}
	t.res.State = next
	t.emit(phase, t.res.Polls, detail)
}
