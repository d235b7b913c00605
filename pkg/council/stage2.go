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
	"github.com/kadirpekel/synod/pkg/config"
	"github.com/kadirpekel/synod/pkg/tokens"
)

// stage2Outcome bundles everything the evaluator stage produces.
type stage2Outcome struct {
	Rankings       []Stage2Result
	LabelToBackend map[string]string
	Analysis       *Analysis
	BackendScores  map[string]float64
	RubricScores   map[string]map[string]float64
}

// assignLabels maps Stage-1 outputs positionally to "Response A", "Response
// B", ... and builds the label bijections the rest of the pipeline uses.
func assignLabels(stage1 []Stage1Result) (labels []string, toBackend map[string]string, toMember map[string]LabelMember) {
	toBackend = make(map[string]string, len(stage1))
	toMember = make(map[string]LabelMember, len(stage1))
	for i, result := range stage1 {
		label := fmt.Sprintf("Response %c", 'A'+i)
		labels = append(labels, label)
		toBackend[label] = result.Backend
		toMember[label] = LabelMember{
			Backend:  result.Backend,
			Role:     result.Role,
			MemberID: result.MemberID,
		}
	}
	return labels, toBackend, toMember
}

func buildEvaluationPrompt(query string, labels []string, stage1 []Stage1Result, rubric []config.RubricCriterion) string {
	var responses []string
	for i, label := range labels {
		responses = append(responses, fmt.Sprintf("%s:\n%s", label, stage1[i].Response))
	}

	rubricText := ""
	rubricField := ""
	if len(rubric) > 0 {
		var lines []string
		lines = append(lines, "\nScore each response on these criteria (1-10):")
		for _, c := range rubric {
			lines = append(lines, fmt.Sprintf("- %s (weight: %v): %s", c.Name, c.Weight, c.Description))
		}
		rubricText = strings.Join(lines, "\n") + "\n"
		rubricField = `"rubric": {"<criterion>": <score 1-10>, ...}, `
	}

	return fmt.Sprintf(`Evaluate these responses to: %q

%s
%s
Respond with ONLY a JSON object in this exact shape:
{
  "rankings": [
    {"label": "A", "rating": <quality 1-5>, %s"feedback": "one sentence"},
    ...
  ],
  "final_order": ["<best label>", "<next>", ...]
}

Include every response exactly once in both lists, best first in "final_order".`,
		query, strings.Join(responses, "\n\n"), rubricText, rubricField)
}

// stage2 runs the peer-evaluation round: every panel member ranks the
// anonymized Stage-1 set, rankings are parsed and aggregated, and the
// analysis bundle is produced. The round loop is bounded by max_rounds but
// multi-round refinement is not folded back yet, so it exits after one.
func (e *Engine) stage2(ctx context.Context, emit emitFunc, query string, stage1Results []Stage1Result, panel Panel, council *config.CouncilConfig, temp float64, maxRounds int) *stage2Outcome {
	labels, labelToBackend, labelToMember := assignLabels(stage1Results)
	prompt := buildEvaluationPrompt(query, labels, stage1Results, council.Rubric)

	var criteria []string
	for _, c := range council.Rubric {
		criteria = append(criteria, c.Name)
	}

	emit(EventStage2Init, map[string]any{"total": len(panel)})

	tracker := tokens.NewTracker()
	var finalRankings []Stage2Result

	if maxRounds < 1 {
		maxRounds = 1
	}
	for round := 1; round <= maxRounds; round++ {
		emit(EventRoundStart, map[string]any{"round": round, "max_rounds": maxRounds})

		results := make([]*Stage2Result, len(panel))
		var completed atomic.Int64
		var g errgroup.Group

		for i := range panel {
			member := panel[i]
			idx := i
			currentRound := round
			g.Go(func() error {
				results[idx] = e.streamEvaluator(ctx, emit, member, prompt, criteria, currentRound, temp, tracker)

				done := completed.Add(1)
				emit(EventStage2Progress, map[string]any{
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

		var roundRankings []Stage2Result
		for _, r := range results {
			if r != nil {
				roundRankings = append(roundRankings, *r)
			}
		}
		finalRankings = roundRankings
		emit(EventRoundComplete, map[string]any{"round": round})

		// Stage-2 feedback is not yet folded back into fresh drafts.
		break
	}

	scores := weightedRankings(finalRankings)
	analysis := &Analysis{
		Conflicts:        detectConflicts(finalRankings, labelToBackend),
		MinorityOpinions: detectMinorityOpinions(finalRankings, labelToBackend),
		WeightedScores:   scores,
		Top:              topResponse(scores, labelToBackend),
		LabelToBackend:   labelToBackend,
		LabelToMember:    labelToMember,
	}

	return &stage2Outcome{
		Rankings:       finalRankings,
		LabelToBackend: labelToBackend,
		Analysis:       analysis,
		BackendScores:  backendScores(scores, labelToBackend),
		RubricScores:   rubricScoresByBackend(finalRankings, labelToBackend),
	}
}

// rubricScoresByBackend averages the evaluators' per-criterion scores for
// each backend, for the leaderboard's criterion windows.
func rubricScoresByBackend(rankings []Stage2Result, labelToBackend map[string]string) map[string]map[string]float64 {
	sums := make(map[string]map[string]float64)
	counts := make(map[string]map[string]int)

	for _, r := range rankings {
		for label, criteria := range r.RubricScores {
			b, ok := labelToBackend[label]
			if !ok {
				continue
			}
			if sums[b] == nil {
				sums[b] = make(map[string]float64)
				counts[b] = make(map[string]int)
			}
			for criterion, score := range criteria {
				sums[b][criterion] += score
				counts[b][criterion]++
			}
		}
	}

	for b, criteria := range sums {
		for criterion := range criteria {
			criteria[criterion] /= float64(counts[b][criterion])
		}
	}
	return sums
}

func (e *Engine) streamEvaluator(ctx context.Context, emit emitFunc, member PanelMember, prompt string, criteria []string, round int, temp float64, tracker *tokens.Tracker) *Stage2Result {
	b := e.registry.Get(member.Backend)
	if b == nil {
		return nil
	}

	var messages []backend.Message
	if member.Prompt != "" {
		messages = append(messages, backend.Message{Role: "system", Content: member.Prompt})
	}
	messages = append(messages, backend.Message{Role: "user", Content: prompt})

	stream, err := b.Stream(ctx, backend.Request{Messages: messages, Temperature: &temp})
	if err != nil {
		return nil
	}

	key := "s2-" + member.AdvisorID
	var content strings.Builder
	var usage tokens.Usage

	for chunk := range stream {
		if ctx.Err() != nil {
			return nil
		}
		switch chunk.Kind {
		case backend.ChunkContent:
			content.WriteString(chunk.Delta)
			tps := tracker.RecordContent(key, chunk.Delta)
			emit(EventStage2Token, map[string]any{
				"backend":           member.Backend,
				"member_id":         member.AdvisorID,
				"role":              member.Role,
				"delta":             chunk.Delta,
				"content":           content.String(),
				"round":             round,
				"tokens_per_second": tps,
				"elapsed_seconds":   tracker.Elapsed(key),
			})

		case backend.ChunkThinking:
			tps := tracker.RecordThinking(key, chunk.Delta)
			emit(EventStage2Thinking, map[string]any{
				"backend":           member.Backend,
				"member_id":         member.AdvisorID,
				"delta":             chunk.Delta,
				"round":             round,
				"tokens_per_second": tps,
			})

		case backend.ChunkComplete:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			result := parseEvaluation(member, content.String(), criteria, round, usage)
			emit(EventStage2ModelComplete, map[string]any{
				"backend":         member.Backend,
				"member_id":       member.AdvisorID,
				"role":            member.Role,
				"ranking":         result.Ranking,
				"parsed_ranking":  result.ParsedRanking,
				"quality_ratings": result.QualityRatings,
				"rubric_scores":   result.RubricScores,
				"round":           round,
				"usage":           usage,
			})
			return result

		case backend.ChunkError:
			return nil
		}
	}

	// No terminal chunk; parse whatever arrived.
	if content.Len() > 0 {
		return parseEvaluation(member, content.String(), criteria, round, usage)
	}
	return nil
}

func parseEvaluation(member PanelMember, text string, criteria []string, round int, usage tokens.Usage) *Stage2Result {
	return &Stage2Result{
		Backend:        member.Backend,
		MemberID:       member.AdvisorID,
		Role:           member.Role,
		Ranking:        text,
		ParsedRanking:  parseRanking(text),
		QualityRatings: extractQualityRatings(text),
		RubricScores:   extractRubricScores(text, criteria),
		Round:          round,
		Usage:          usage,
	}
}
