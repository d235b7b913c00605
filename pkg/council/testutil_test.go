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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synod/pkg/backend"
	"github.com/kadirpekel/synod/pkg/config"
	"github.com/kadirpekel/synod/pkg/tokens"
)

// fakeBackend is an in-memory Backend for pipeline tests.
type fakeBackend struct {
	id string

	completeFn func(req backend.Request) (*backend.Completion, error)
	streamFn   func(ctx context.Context, req backend.Request) []backend.StreamChunk
	streamErr  error

	mu            sync.Mutex
	completeCalls int
	streamCalls   int
}

func (f *fakeBackend) ID() string { return f.id }

func (f *fakeBackend) CompleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeCalls
}

func (f *fakeBackend) StreamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls
}

func (f *fakeBackend) Complete(ctx context.Context, req backend.Request) (*backend.Completion, error) {
	f.mu.Lock()
	f.completeCalls++
	f.mu.Unlock()
	if f.completeFn == nil {
		return &backend.Completion{}, nil
	}
	return f.completeFn(req)
}

func (f *fakeBackend) Stream(ctx context.Context, req backend.Request) (<-chan backend.StreamChunk, error) {
	f.mu.Lock()
	f.streamCalls++
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}

	ch := make(chan backend.StreamChunk)
	go func() {
		defer close(ch)
		var chunks []backend.StreamChunk
		if f.streamFn != nil {
			chunks = f.streamFn(ctx, req)
		}
		for _, chunk := range chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// textStream builds a minimal well-formed stream: one content chunk and a
// terminal complete.
func textStream(text string) []backend.StreamChunk {
	return []backend.StreamChunk{
		{Kind: backend.ChunkContent, Delta: text},
		{Kind: backend.ChunkComplete, Usage: &tokens.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}
}

func lastMessage(req backend.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

// memStore is an in-memory ConversationStore.
type memStore struct {
	mu     sync.Mutex
	convs  map[string]*Conversation
	titles map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		convs:  make(map[string]*Conversation),
		titles: make(map[string]string),
	}
}

func (s *memStore) seed(id, councilID string, history ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = &Conversation{ID: id, CouncilID: councilID, Messages: history}
}

func (s *memStore) Get(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q not found", id)
	}
	copied := *conv
	copied.Messages = append([]Message(nil), conv.Messages...)
	return &copied, nil
}

func (s *memStore) AppendUser(ctx context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("conversation %q not found", id)
	}
	conv.Messages = append(conv.Messages, Message{Role: "user", Content: text})
	return nil
}

func (s *memStore) AppendAssistant(ctx context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("conversation %q not found", id)
	}
	msg.Role = "assistant"
	conv.Messages = append(conv.Messages, msg)
	return nil
}

func (s *memStore) UpdateTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[id] = title
	return nil
}

func (s *memStore) assistantRecords(id string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.convs[id].Messages {
		if m.Role == "assistant" {
			out = append(out, m)
		}
	}
	return out
}

const testModelsYAML = `models:
  - id: model-a
  - id: model-b
  - id: model-c
  - id: model-t
chairman: model-a
title_model: model-t
providers:
  openrouter:
    type: openrouter
    api_key: test-key
`

const testCouncilYAML = `name: Test Council
personas:
  - role: Analyst
    prompt: You analyze the question carefully.
    tags: [analysis]
  - role: Skeptic
    prompt: You challenge assumptions.
    tags: [critique]
  - role: Builder
    prompt: You propose concrete solutions.
    tags: [engineering]
rubric:
  - name: accuracy
    weight: 0.6
    description: Factual correctness.
  - name: clarity
    weight: 0.4
    description: Readability.
routing:
  min_advisors: 2
  max_advisors: 3
  default_advisors: 3
`

// testEnv bundles an Engine with fakes for every configured model.
type testEnv struct {
	engine *Engine
	store  *memStore
	reg    *backend.Registry

	// fakes by model id; "model-t" is the classifier/router/title model.
	fakes map[string]*fakeBackend
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "models.yaml"), []byte(testModelsYAML), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "councils"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "councils", "test-council.yaml"), []byte(testCouncilYAML), 0o644))

	loader := config.NewLoader(dir)
	_, err := loader.Load()
	require.NoError(t, err)

	reg, err := backend.NewRegistry(loader.Current().Global)
	require.NoError(t, err)

	env := &testEnv{
		store: newMemStore(),
		reg:   reg,
		fakes: make(map[string]*fakeBackend),
	}
	for _, id := range []string{"model-a", "model-b", "model-c", "model-t"} {
		fake := &fakeBackend{id: id}
		env.fakes[id] = fake
		reg.Register(fake)
	}

	// The classifier, router, and title calls all land on model-t. The
	// default reply classifies as deliberation and carries no panel, which
	// pushes routing onto the deterministic fallback.
	env.fakes["model-t"].completeFn = func(req backend.Request) (*backend.Completion, error) {
		return &backend.Completion{Content: `{"type": "deliberation", "reasoning": "test"}`}, nil
	}

	// Advisor fakes answer questions, rank peers, and synthesize depending
	// on which stage prompt arrives.
	for _, id := range []string{"model-a", "model-b", "model-c"} {
		modelID := id
		env.fakes[id].streamFn = func(ctx context.Context, req backend.Request) []backend.StreamChunk {
			last := lastMessage(req)
			switch {
			case strings.Contains(last, "Presenter of an advisory council"):
				return textStream("Synthesized answer.")
			case strings.Contains(last, "Evaluate these responses"):
				return textStream("FINAL RANKING:\n1. Response A\n2. Response B\n3. Response C")
			default:
				return textStream("Answer from " + modelID)
			}
		}
	}

	env.engine = NewEngine(loader, reg, env.store, opts...)
	return env
}

// collectSink gathers events in arrival order.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectSink) sink(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectSink) types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func indexOf(types []EventType, t EventType) int {
	for i, x := range types {
		if x == t {
			return i
		}
	}
	return -1
}
