// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package council

import (
	"context"
	"time"
)

// EventType is the closed set of pipeline event tags.
type EventType string

const (
	EventExecutionMode          EventType = "execution_mode"
	EventClassificationStart    EventType = "classification_start"
	EventClassificationComplete EventType = "classification_complete"
	EventDirectStart            EventType = "direct_start"
	EventUsageUpdate            EventType = "usage_update"
	EventDone                   EventType = "done"
	EventError                  EventType = "error"

	EventRoutingStart    EventType = "routing_start"
	EventRoutingComplete EventType = "routing_complete"
	EventPanelConfirmed  EventType = "panel_confirmed"

	EventSearchStart    EventType = "search_start"
	EventSearchComplete EventType = "search_complete"

	EventStage1Init          EventType = "stage1_init"
	EventStage1Progress      EventType = "stage1_progress"
	EventStage1Token         EventType = "stage1_token"
	EventStage1Thinking      EventType = "stage1_thinking"
	EventStage1ModelComplete EventType = "stage1_model_complete"
	EventStage1ModelError    EventType = "stage1_model_error"
	EventStage1Complete      EventType = "stage1_complete"

	EventRoundStart    EventType = "round_start"
	EventRoundComplete EventType = "round_complete"

	EventStage2Init          EventType = "stage2_init"
	EventStage2Progress      EventType = "stage2_progress"
	EventStage2Token         EventType = "stage2_token"
	EventStage2Thinking      EventType = "stage2_thinking"
	EventStage2ModelComplete EventType = "stage2_model_complete"
	EventStage2Complete      EventType = "stage2_complete"
	EventAnalysis            EventType = "analysis"

	EventStage3Start    EventType = "stage3_start"
	EventStage3Token    EventType = "stage3_token"
	EventStage3Thinking EventType = "stage3_thinking"
	EventStage3Complete EventType = "stage3_complete"
	EventStage3Error    EventType = "stage3_error"
)

// Event is one unit of pipeline progress. Payload values must be
// JSON-serializable.
type Event struct {
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"-"`
}

// pollInterval is how long the driver waits on an empty queue before
// re-checking stage completion.
const pollInterval = 50 * time.Millisecond

// eventQueue is the bounded FIFO between stage tasks and the driver.
// Producers block when it is full, which caps backend read-ahead at one
// chunk of buffering per member.
type eventQueue struct {
	ch chan Event
}

// newEventQueue sizes the queue proportionally to the panel.
func newEventQueue(panelSize int) *eventQueue {
	if panelSize < 1 {
		panelSize = 1
	}
	return &eventQueue{ch: make(chan Event, panelSize*8)}
}

// put enqueues an event, blocking on a full queue until the context is
// cancelled. Events enqueued after cancellation are dropped.
func (q *eventQueue) put(ctx context.Context, ev Event) {
	select {
	case q.ch <- ev:
	case <-ctx.Done():
	}
}

// poll returns the next event, waiting up to pollInterval.
func (q *eventQueue) poll() (Event, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	case <-time.After(pollInterval):
		return Event{}, false
	}
}

// drain returns any queued events without waiting.
func (q *eventQueue) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// emitFunc is the stage-side callback that enqueues events.
type emitFunc func(EventType, map[string]any)

func (q *eventQueue) emitter(ctx context.Context) emitFunc {
	return func(t EventType, payload map[string]any) {
		q.put(ctx, Event{Type: t, Payload: payload})
	}
}
