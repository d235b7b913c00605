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

// Package backend defines the model backend port and its OpenAI-compatible
// implementation. A Backend wraps exactly one upstream model; the council
// layer composes several of them per deliberation.
package backend

import (
	"context"

	"github.com/kadirpekel/synod/pkg/tokens"
)

// Message is one chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request. Zero Temperature means the
// provider default; JSONOnly asks the upstream for a JSON object response.
type Request struct {
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	JSONOnly    bool
}

// ChunkKind discriminates streaming chunks.
type ChunkKind string

const (
	ChunkThinking ChunkKind = "thinking"
	ChunkContent  ChunkKind = "content"
	ChunkComplete ChunkKind = "complete"
	ChunkError    ChunkKind = "error"
)

// StreamChunk is one unit of streamed backend output. Exactly one of the
// terminal kinds (complete, error) ends every stream; Usage is populated on
// complete when the upstream reports it.
type StreamChunk struct {
	Kind  ChunkKind
	Delta string
	Usage *tokens.Usage
	Err   error
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Content string
	Usage   tokens.Usage
}

// Backend is the model port. Implementations must be safe for concurrent
// use; Stream returns immediately and delivers chunks until the channel is
// closed after a terminal chunk.
type Backend interface {
	ID() string
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
