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
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/synod/pkg/backend"
	"github.com/kadirpekel/synod/pkg/logger"
	"github.com/kadirpekel/synod/pkg/tokens"
)

// stage1 fans the question out to every panel member and streams their
// answers concurrently. Results come back in panel order; errored members
// are simply absent.
func (e *Engine) stage1(ctx context.Context, emit emitFunc, query string, panel Panel, history []Message, temp float64, style, searchContext string) []Stage1Result {
	emit(EventStage1Init, map[string]any{"total": len(panel)})

	tracker := tokens.NewTracker()
	results := make([]*Stage1Result, len(panel))
	var completed atomic.Int64

	var g errgroup.Group
	for i := range panel {
		member := panel[i]
		idx := i
		g.Go(func() error {
			res := e.streamMember(ctx, emit, member, query, history, temp, style, searchContext, tracker)
			results[idx] = res

			done := completed.Add(1)
			emit(EventStage1Progress, map[string]any{
				"completed": int(done),
				"total":     len(panel),
				"backend":   member.Backend,
				"role":      member.Role,
				"member_id": member.AdvisorID,
			})
			return nil
		})
	}
	g.Wait()

	var out []Stage1Result
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (e *Engine) streamMember(ctx context.Context, emit emitFunc, member PanelMember, query string, history []Message, temp float64, style, searchContext string, tracker *tokens.Tracker) *Stage1Result {
	b := e.registry.Get(member.Backend)
	if b == nil {
		emit(EventStage1ModelError, map[string]any{
			"backend":   member.Backend,
			"member_id": member.AdvisorID,
			"error":     fmt.Sprintf("backend %q not configured", member.Backend),
		})
		return nil
	}

	var messages []backend.Message
	if member.Prompt != "" {
		messages = append(messages, backend.Message{Role: "system", Content: member.Prompt})
	}
	messages = append(messages, historyMessages(history, 6)...)

	userText := query
	if searchContext != "" {
		userText = fmt.Sprintf("Relevant search results:\n%s\n\n%s", searchContext, query)
	}
	if style == "concise" {
		userText = "Answer concisely and directly:\n\n" + userText
	}
	messages = append(messages, backend.Message{Role: "user", Content: userText})

	stream, err := b.Stream(ctx, backend.Request{Messages: messages, Temperature: &temp})
	if err != nil {
		emit(EventStage1ModelError, map[string]any{
			"backend":   member.Backend,
			"member_id": member.AdvisorID,
			"error":     err.Error(),
		})
		return nil
	}

	key := member.AdvisorID
	var content, reasoning strings.Builder
	var usage tokens.Usage

	for chunk := range stream {
		if ctx.Err() != nil {
			return nil
		}
		switch chunk.Kind {
		case backend.ChunkContent:
			content.WriteString(chunk.Delta)
			tps := tracker.RecordContent(key, chunk.Delta)
			emit(EventStage1Token, map[string]any{
				"backend":           member.Backend,
				"role":              member.Role,
				"member_id":         member.AdvisorID,
				"delta":             chunk.Delta,
				"content":           content.String(),
				"tokens_per_second": tps,
				"elapsed_seconds":   tracker.Elapsed(key),
			})

		case backend.ChunkThinking:
			reasoning.WriteString(chunk.Delta)
			tps := tracker.RecordThinking(key, chunk.Delta)
			emit(EventStage1Thinking, map[string]any{
				"backend":           member.Backend,
				"role":              member.Role,
				"member_id":         member.AdvisorID,
				"delta":             chunk.Delta,
				"thinking":          reasoning.String(),
				"tokens_per_second": tps,
				"elapsed_seconds":   tracker.Elapsed(key),
			})

		case backend.ChunkComplete:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			final := content.String()
			// A pure-reasoning stream adopts the reasoning as content.
			if final == "" && reasoning.Len() > 0 {
				final = reasoning.String()
			}
			final = stripFakeImages(final)
			emit(EventStage1ModelComplete, map[string]any{
				"backend":           member.Backend,
				"role":              member.Role,
				"member_id":         member.AdvisorID,
				"response":          final,
				"usage":             usage,
				"tokens_per_second": tracker.FinalRate(key),
				"total_seconds":     tracker.Elapsed(key),
				"total_tokens":      tracker.Count(key),
			})
			return &Stage1Result{
				Backend:  member.Backend,
				MemberID: member.AdvisorID,
				Role:     member.Role,
				Response: final,
				Usage:    usage,
			}

		case backend.ChunkError:
			logger.Warn("panel member failed", "backend", member.Backend, "member", member.AdvisorID, "error", chunk.Err)
			emit(EventStage1ModelError, map[string]any{
				"backend":   member.Backend,
				"member_id": member.AdvisorID,
				"error":     chunk.Err.Error(),
			})
			return nil
		}
	}

	// Stream ended without a terminal chunk; salvage buffered content.
	if content.Len() > 0 {
		return &Stage1Result{
			Backend:  member.Backend,
			MemberID: member.AdvisorID,
			Role:     member.Role,
			Response: stripFakeImages(content.String()),
			Usage:    usage,
		}
	}
	return nil
}
