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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ranking(backendID string, labels ...string) Stage2Result {
	return Stage2Result{Backend: backendID, ParsedRanking: labels}
}

func TestWeightedRankingsBorda(t *testing.T) {
	rankings := []Stage2Result{
		ranking("m1", "Response A", "Response B", "Response C"),
		ranking("m2", "Response A", "Response C", "Response B"),
		ranking("m3", "Response B", "Response A", "Response C"),
	}

	scores := weightedRankings(rankings)
	assert.InDelta(t, 8.0, scores["Response A"], 1e-9)
	assert.InDelta(t, 6.0, scores["Response B"], 1e-9)
	assert.InDelta(t, 4.0, scores["Response C"], 1e-9)
}

func TestWeightedRankingsMonotonicity(t *testing.T) {
	base := []Stage2Result{
		ranking("m1", "Response A", "Response B"),
		ranking("m2", "Response A", "Response B"),
	}
	before := weightedRankings(base)

	// An extra first place can only raise a label's score.
	more := append(base, ranking("m3", "Response A", "Response B"))
	after := weightedRankings(more)

	assert.Greater(t, after["Response A"], before["Response A"])
	assert.GreaterOrEqual(t, after["Response B"], before["Response B"])
}

func TestWeightedRankingsPartial(t *testing.T) {
	// An evaluator who omitted a label contributes nothing to it.
	rankings := []Stage2Result{
		ranking("m1", "Response A", "Response B"),
		ranking("m2", "Response A"),
	}
	scores := weightedRankings(rankings)
	assert.InDelta(t, 3.0, scores["Response A"], 1e-9) // 2 + 1
	assert.InDelta(t, 1.0, scores["Response B"], 1e-9)
}

func TestTopResponseTieBreak(t *testing.T) {
	scores := map[string]float64{
		"Response B": 5,
		"Response A": 5,
		"Response C": 2,
	}
	toBackend := map[string]string{
		"Response A": "m1",
		"Response B": "m2",
		"Response C": "m3",
	}

	top := topResponse(scores, toBackend)
	assert.Equal(t, "Response A", top.Label)
	assert.Equal(t, "m1", top.Backend)
	assert.InDelta(t, 5.0, top.Score, 1e-9)
}

func TestTopResponseEmpty(t *testing.T) {
	assert.Equal(t, TopResponse{}, topResponse(nil, nil))
}

func TestDetectConflictsSpread(t *testing.T) {
	toBackend := map[string]string{}

	t.Run("medium at spread three", func(t *testing.T) {
		rankings := []Stage2Result{
			ranking("m1", "Response A", "Response B", "Response C", "Response D"),
			ranking("m2", "Response B", "Response C", "Response D", "Response A"),
		}
		conflicts := detectConflicts(rankings, toBackend)
		require.NotEmpty(t, conflicts)

		var found *Conflict
		for i := range conflicts {
			if conflicts[i].Response == "Response A" {
				found = &conflicts[i]
			}
		}
		require.NotNil(t, found, "expected a conflict on Response A")
		assert.Equal(t, "ranking_swap", found.Type)
		assert.Equal(t, "medium", found.Severity)
		assert.Equal(t, 3, found.Spread)
	})

	t.Run("high at spread four", func(t *testing.T) {
		rankings := []Stage2Result{
			ranking("m1", "Response A", "Response B", "Response C", "Response D", "Response E"),
			ranking("m2", "Response B", "Response C", "Response D", "Response E", "Response A"),
		}
		conflicts := detectConflicts(rankings, toBackend)

		var found *Conflict
		for i := range conflicts {
			if conflicts[i].Response == "Response A" {
				found = &conflicts[i]
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, "high", found.Severity)
		assert.Equal(t, 4, found.Spread)
	})

	t.Run("low at spread two", func(t *testing.T) {
		rankings := []Stage2Result{
			ranking("m1", "Response A", "Response B", "Response C"),
			ranking("m2", "Response B", "Response C", "Response A"),
		}
		conflicts := detectConflicts(rankings, toBackend)

		var found *Conflict
		for i := range conflicts {
			if conflicts[i].Response == "Response A" {
				found = &conflicts[i]
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, "low", found.Severity)
	})

	t.Run("agreement yields none", func(t *testing.T) {
		rankings := []Stage2Result{
			ranking("m1", "Response A", "Response B", "Response C"),
			ranking("m2", "Response A", "Response B", "Response C"),
		}
		assert.Empty(t, detectConflicts(rankings, toBackend))
	})

	t.Run("single ranker yields none", func(t *testing.T) {
		rankings := []Stage2Result{
			ranking("m1", "Response A", "Response B"),
		}
		assert.Empty(t, detectConflicts(rankings, toBackend))
	})
}

func TestDetectConflictsMutualOpposition(t *testing.T) {
	toBackend := map[string]string{
		"Response A": "m1",
		"Response B": "m2",
		"Response C": "m3",
	}

	// m1 puts m2's response last and vice versa: with three labels the
	// threshold is max(3, 2) = 3, so position 3 on both sides triggers it.
	rankings := []Stage2Result{
		ranking("m1", "Response C", "Response A", "Response B"),
		ranking("m2", "Response B", "Response C", "Response A"),
		ranking("m3", "Response A", "Response B", "Response C"),
	}

	conflicts := detectConflicts(rankings, toBackend)

	var mutual *Conflict
	for i := range conflicts {
		if conflicts[i].Type == "mutual_opposition" {
			mutual = &conflicts[i]
		}
	}
	require.NotNil(t, mutual, "expected a mutual_opposition conflict")
	assert.Equal(t, "high", mutual.Severity)
	assert.ElementsMatch(t, []string{"m1", "m2"}, mutual.Backends)
}

func TestDetectConflictsMutualOppositionNeedsOwnedLabels(t *testing.T) {
	// Evaluators whose backends are not among the labels cannot mutually
	// oppose each other.
	rankings := []Stage2Result{
		ranking("judge1", "Response C", "Response A", "Response B"),
		ranking("judge2", "Response B", "Response C", "Response A"),
	}
	conflicts := detectConflicts(rankings, map[string]string{
		"Response A": "m1",
		"Response B": "m2",
		"Response C": "m3",
	})
	for _, c := range conflicts {
		assert.NotEqual(t, "mutual_opposition", c.Type)
	}
}

func TestDetectMinorityOpinions(t *testing.T) {
	toBackend := map[string]string{
		"Response A": "m1",
		"Response B": "m2",
		"Response C": "m3",
		"Response D": "m4",
	}

	rankings := []Stage2Result{
		ranking("m1", "Response A", "Response B", "Response C", "Response D"),
		ranking("m2", "Response A", "Response B", "Response C", "Response D"),
		ranking("m3", "Response A", "Response B", "Response C", "Response D"),
		ranking("m4", "Response B", "Response C", "Response D", "Response A"),
	}

	opinions := detectMinorityOpinions(rankings, toBackend)
	require.Len(t, opinions, 1)

	op := opinions[0]
	assert.Equal(t, "Response A", op.Response)
	assert.Equal(t, "m1", op.Backend)
	assert.Equal(t, "lower", op.DissentDirection)
	assert.Equal(t, []string{"m4"}, op.DissentingModels)
	assert.InDelta(t, 1.8, op.ConsensusPosition, 0.05)
}

func TestDetectMinorityOpinionsNeedsThreeRankers(t *testing.T) {
	rankings := []Stage2Result{
		ranking("m1", "Response A", "Response B"),
		ranking("m2", "Response B", "Response A"),
	}
	assert.Empty(t, detectMinorityOpinions(rankings, nil))
}

func TestBackendScores(t *testing.T) {
	scores := map[string]float64{
		"Response A": 8,
		"Response B": 6,
		"Response C": 4,
	}
	toBackend := map[string]string{
		"Response A": "m1",
		"Response B": "m2",
		"Response C": "m1", // m1 answered twice
	}

	byBackend := backendScores(scores, toBackend)
	assert.InDelta(t, 6.0, byBackend["m1"], 1e-9) // (8+4)/2
	assert.InDelta(t, 6.0, byBackend["m2"], 1e-9)
}

func TestFormatAnalysisSummary(t *testing.T) {
	a := &Analysis{
		WeightedScores: map[string]float64{"Response A": 8, "Response B": 6},
		Conflicts: []Conflict{
			{Severity: "high", Description: "m1 and m2 rank each other's responses low"},
		},
		MinorityOpinions: []MinorityOpinion{
			{Description: "1/3 rankers think Response B deserves higher ranking (consensus: #2.0)"},
		},
	}

	out := formatAnalysisSummary(a)
	assert.Contains(t, out, "WEIGHTED RANKINGS:")
	assert.Contains(t, out, "1. Response A: 8.0 points")
	assert.Contains(t, out, "CONFLICTS DETECTED:")
	assert.Contains(t, out, "[HIGH]")
	assert.Contains(t, out, "MINORITY OPINIONS:")

	assert.Empty(t, formatAnalysisSummary(nil))
}
