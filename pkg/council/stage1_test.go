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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synod/pkg/backend"
)

func testPanel() Panel {
	return Panel{
		{AdvisorID: "analyst", Backend: "model-a", Role: "Analyst", Prompt: "You analyze."},
		{AdvisorID: "skeptic", Backend: "model-b", Role: "Skeptic", Prompt: "You doubt."},
		{AdvisorID: "builder", Backend: "model-c", Role: "Builder", Prompt: "You build."},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(typ EventType, payload map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Type: typ, Payload: payload})
}

func (l *eventLog) countOf(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestStage1CollectsAllMembers(t *testing.T) {
	env := newTestEnv(t)
	log := &eventLog{}

	results := env.engine.stage1(context.Background(), log.emit, "q", testPanel(), nil, 0.5, "standard", "")

	require.Len(t, results, 3)
	// Results come back in panel order regardless of completion order.
	assert.Equal(t, "analyst", results[0].MemberID)
	assert.Equal(t, "skeptic", results[1].MemberID)
	assert.Equal(t, "builder", results[2].MemberID)
	assert.Equal(t, "Answer from model-a", results[0].Response)
	assert.Equal(t, 15, results[0].Usage.TotalTokens)

	assert.Equal(t, 1, log.countOf(EventStage1Init))
	assert.Equal(t, 3, log.countOf(EventStage1Progress))
	assert.Equal(t, 3, log.countOf(EventStage1ModelComplete))
}

func TestStage1SystemPromptAndStyle(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var captured backend.Request
	env.fakes["model-a"].streamFn = func(ctx context.Context, req backend.Request) []backend.StreamChunk {
		mu.Lock()
		captured = req
		mu.Unlock()
		return textStream("ok")
	}

	panel := Panel{{AdvisorID: "analyst", Backend: "model-a", Role: "Analyst", Prompt: "You analyze."}}
	env.engine.stage1(context.Background(), (&eventLog{}).emit, "the question", panel, nil, 0.5, "concise", "")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, captured.Messages)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "You analyze.", captured.Messages[0].Content)
	last := captured.Messages[len(captured.Messages)-1]
	assert.Contains(t, last.Content, "Answer concisely and directly:")
	assert.Contains(t, last.Content, "the question")
}

func TestStage1StripsPlaceholderImages(t *testing.T) {
	env := newTestEnv(t)
	env.fakes["model-a"].streamFn = func(ctx context.Context, req backend.Request) []backend.StreamChunk {
		return textStream("See ![chart](https://via.placeholder.com/300) here.")
	}

	panel := Panel{{AdvisorID: "analyst", Backend: "model-a", Role: "Analyst"}}
	results := env.engine.stage1(context.Background(), (&eventLog{}).emit, "q", panel, nil, 0.5, "standard", "")

	require.Len(t, results, 1)
	assert.NotContains(t, results[0].Response, "via.placeholder.com")
	assert.Contains(t, results[0].Response, "See")
}

func TestStage1AdoptsReasoningWhenContentEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.fakes["model-a"].streamFn = func(ctx context.Context, req backend.Request) []backend.StreamChunk {
		return []backend.StreamChunk{
			{Kind: backend.ChunkThinking, Delta: "thinking out loud"},
			{Kind: backend.ChunkComplete},
		}
	}

	panel := Panel{{AdvisorID: "analyst", Backend: "model-a", Role: "Analyst"}}
	results := env.engine.stage1(context.Background(), (&eventLog{}).emit, "q", panel, nil, 0.5, "standard", "")

	require.Len(t, results, 1)
	assert.Equal(t, "thinking out loud", results[0].Response)
}

func TestStage1SalvagesTruncatedStream(t *testing.T) {
	env := newTestEnv(t)
	env.fakes["model-a"].streamFn = func(ctx context.Context, req backend.Request) []backend.StreamChunk {
		// Channel closes without a terminal chunk.
		return []backend.StreamChunk{{Kind: backend.ChunkContent, Delta: "partial"}}
	}

	panel := Panel{{AdvisorID: "analyst", Backend: "model-a", Role: "Analyst"}}
	results := env.engine.stage1(context.Background(), (&eventLog{}).emit, "q", panel, nil, 0.5, "standard", "")

	require.Len(t, results, 1)
	assert.Equal(t, "partial", results[0].Response)
}

func TestStage1UnknownBackendReportsError(t *testing.T) {
	env := newTestEnv(t)
	log := &eventLog{}

	panel := Panel{{AdvisorID: "ghost", Backend: "not-registered", Role: "Ghost"}}
	results := env.engine.stage1(context.Background(), log.emit, "q", panel, nil, 0.5, "standard", "")

	assert.Empty(t, results)
	assert.Equal(t, 1, log.countOf(EventStage1ModelError))
}
