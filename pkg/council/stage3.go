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

	"github.com/kadirpekel/synod/pkg/backend"
	"github.com/kadirpekel/synod/pkg/logger"
	"github.com/kadirpekel/synod/pkg/tokens"
)

const synthesisFallback = "Error: Unable to generate synthesis."

const chairmanPromptTemplate = `You are the Presenter of an advisory council. Your job is to EDIT AND REFINE the top-voted response, incorporating the strongest points from other responses.

IMPORTANT: Do NOT write a completely new response. Start from the top-voted response and improve it.
%s
Current Question: %s

%s
%s

ALL Council Responses:
%s

Peer Rankings:
%s

Instructions:
1. Start from the top-voted response as your base
2. Incorporate the strongest unique points from other responses
3. Address any flagged minority opinions if they have merit
4. Note any significant conflicts between models
5. Use rich markdown formatting (headers, tables, lists, bold, code blocks)
6. DO NOT include images or image links

Provide the refined, synthesized final answer:`

func buildChairmanPrompt(query string, stage1 []Stage1Result, stage2 []Stage2Result, analysis *Analysis, history []Message) string {
	var stage1Parts []string
	for _, r := range stage1 {
		stage1Parts = append(stage1Parts, fmt.Sprintf("%s (%s):\nResponse: %s", r.Role, r.Backend, r.Response))
	}

	var stage2Parts []string
	for _, r := range stage2 {
		stage2Parts = append(stage2Parts, fmt.Sprintf("Evaluator: %s (%s)\nRanking: %s", r.Role, r.Backend, r.Ranking))
	}

	topInfo := ""
	if analysis != nil && analysis.Top.Label != "" {
		top := analysis.Top
		member := analysis.LabelToMember[top.Label]
		for _, r := range stage1 {
			match := (member.MemberID != "" && r.MemberID == member.MemberID) || r.Backend == top.Backend
			if !match {
				continue
			}
			role := member.Role
			if role == "" {
				role = r.Role
			}
			topInfo = fmt.Sprintf("\n\nTOP-VOTED RESPONSE from %s (%s, score: %.1f):\n%s",
				role, top.Label, top.Score, r.Response)
			break
		}
	}

	historyContext := ""
	if lines := historyLines(history, 6, 500); len(lines) > 0 {
		historyContext = "\n\nPrior Conversation Context:\n" + strings.Join(lines, "\n\n") + "\n"
	}

	return fmt.Sprintf(chairmanPromptTemplate,
		historyContext,
		query,
		formatAnalysisSummary(analysis),
		topInfo,
		strings.Join(stage1Parts, "\n\n"),
		strings.Join(stage2Parts, "\n\n"))
}

// stage3 streams the chairman synthesis. On stream error any buffered
// content is surfaced; an empty buffer yields the literal fallback.
func (e *Engine) stage3(ctx context.Context, emit emitFunc, query string, stage1 []Stage1Result, stage2 []Stage2Result, analysis *Analysis, history []Message, temp float64) Stage3Result {
	chairman := e.chairman()
	emit(EventStage3Start, map[string]any{"backend": chairman})

	b := e.registry.Get(chairman)
	if b == nil {
		return Stage3Result{Backend: chairman, Response: synthesisFallback}
	}

	prompt := buildChairmanPrompt(query, stage1, stage2, analysis, history)
	stream, err := b.Stream(ctx, backend.Request{
		Messages:    []backend.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		emit(EventStage3Error, map[string]any{"backend": chairman, "error": err.Error()})
		return Stage3Result{Backend: chairman, Response: synthesisFallback}
	}

	tracker := tokens.NewTracker()
	var content, reasoning strings.Builder
	var usage tokens.Usage

	for chunk := range stream {
		if ctx.Err() != nil {
			return Stage3Result{Backend: chairman, Response: salvage(content.String())}
		}
		switch chunk.Kind {
		case backend.ChunkContent:
			content.WriteString(chunk.Delta)
			tps := tracker.RecordContent(chairman, chunk.Delta)
			emit(EventStage3Token, map[string]any{
				"backend":           chairman,
				"delta":             chunk.Delta,
				"content":           content.String(),
				"tokens_per_second": tps,
				"elapsed_seconds":   tracker.Elapsed(chairman),
			})

		case backend.ChunkThinking:
			reasoning.WriteString(chunk.Delta)
			tps := tracker.RecordThinking(chairman, chunk.Delta)
			emit(EventStage3Thinking, map[string]any{
				"backend":           chairman,
				"delta":             chunk.Delta,
				"thinking":          reasoning.String(),
				"tokens_per_second": tps,
			})

		case backend.ChunkComplete:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			final := content.String()
			if final == "" && reasoning.Len() > 0 {
				final = reasoning.String()
			}
			final = stripFakeImages(final)
			emit(EventStage3Complete, map[string]any{
				"backend":           chairman,
				"response":          final,
				"usage":             usage,
				"tokens_per_second": tracker.FinalRate(chairman),
				"total_seconds":     tracker.Elapsed(chairman),
				"total_tokens":      tracker.Count(chairman),
			})
			return Stage3Result{Backend: chairman, Response: final, Usage: usage}

		case backend.ChunkError:
			logger.Warn("synthesis stream failed", "backend", chairman, "error", chunk.Err)
			emit(EventStage3Error, map[string]any{"backend": chairman, "error": chunk.Err.Error()})
			return Stage3Result{Backend: chairman, Response: salvage(content.String()), Usage: usage}
		}
	}

	return Stage3Result{Backend: chairman, Response: salvage(content.String()), Usage: usage}
}

func salvage(content string) string {
	if content == "" {
		return synthesisFallback
	}
	return stripFakeImages(content)
}
