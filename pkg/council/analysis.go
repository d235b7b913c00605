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
	"fmt"
	"math"
	"sort"
	"strings"
)

// positionMaps builds, per evaluator backend, the 1-indexed position of
// each label in that evaluator's parsed ranking.
func positionMaps(rankings []Stage2Result) map[string]map[string]int {
	out := make(map[string]map[string]int)
	for _, r := range rankings {
		if len(r.ParsedRanking) == 0 {
			continue
		}
		pm := make(map[string]int, len(r.ParsedRanking))
		for i, label := range r.ParsedRanking {
			pm[label] = i + 1
		}
		out[r.Backend] = pm
	}
	return out
}

// detectConflicts finds large position spreads per label and mutual
// opposition between evaluators whose own responses are in the labelled
// set.
func detectConflicts(rankings []Stage2Result, labelToBackend map[string]string) []Conflict {
	var conflicts []Conflict
	if len(rankings) < 2 {
		return conflicts
	}

	posMaps := positionMaps(rankings)

	rankers := make([]string, 0, len(posMaps))
	for _, r := range rankings {
		if _, ok := posMaps[r.Backend]; ok && !contains(rankers, r.Backend) {
			rankers = append(rankers, r.Backend)
		}
	}

	labels := make(map[string]bool)
	for _, pm := range posMaps {
		for label := range pm {
			labels[label] = true
		}
	}
	sortedLabels := make([]string, 0, len(labels))
	for label := range labels {
		sortedLabels = append(sortedLabels, label)
	}
	sort.Strings(sortedLabels)

	for _, label := range sortedLabels {
		minPos, maxPos := 0, 0
		var minRanker, maxRanker string
		count := 0
		for _, ranker := range rankers {
			pos, ok := posMaps[ranker][label]
			if !ok {
				continue
			}
			count++
			if minPos == 0 || pos < minPos {
				minPos, minRanker = pos, ranker
			}
			if pos > maxPos {
				maxPos, maxRanker = pos, ranker
			}
		}
		if count < 2 {
			continue
		}

		spread := maxPos - minPos
		switch {
		case spread >= 3:
			severity := "medium"
			if spread >= 4 {
				severity = "high"
			}
			conflicts = append(conflicts, Conflict{
				Type:        "ranking_swap",
				Response:    label,
				Description: fmt.Sprintf("%s ranked #%d by %s but #%d by %s", label, minPos, minRanker, maxPos, maxRanker),
				Severity:    severity,
				Spread:      spread,
				Backends:    []string{minRanker, maxRanker},
			})
		case spread >= 2:
			conflicts = append(conflicts, Conflict{
				Type:        "ranking_swap",
				Response:    label,
				Description: fmt.Sprintf("%s has position spread of %d (#%d to #%d)", label, spread, minPos, maxPos),
				Severity:    "low",
				Spread:      spread,
				Backends:    []string{minRanker, maxRanker},
			})
		}
	}

	// Mutual opposition: meaningful only when evaluators are also
	// responders, i.e. their backend ids appear among the labels.
	backendToLabel := make(map[string]string, len(labelToBackend))
	for label, b := range labelToBackend {
		backendToLabel[b] = label
	}

	for i, a := range rankers {
		for _, b := range rankers[i+1:] {
			labelA, okA := backendToLabel[a]
			labelB, okB := backendToLabel[b]
			if !okA || !okB {
				continue
			}
			pmA, pmB := posMaps[a], posMaps[b]
			n := max(len(pmA), len(pmB))
			if n < 3 {
				continue
			}
			threshold := max(3, n-1)

			posBbyA, okBA := pmA[labelB]
			posAbyB, okAB := pmB[labelA]
			if okBA && okAB && posBbyA >= threshold && posAbyB >= threshold {
				conflicts = append(conflicts, Conflict{
					Type:        "mutual_opposition",
					Description: fmt.Sprintf("%s and %s rank each other's responses low", a, b),
					Severity:    "high",
					Backends:    []string{a, b},
					Details: map[string]int{
						fmt.Sprintf("%s_ranked_%s", a, labelB): posBbyA,
						fmt.Sprintf("%s_ranked_%s", b, labelA): posAbyB,
					},
				})
			}
		}
	}

	return conflicts
}

// minorityThresholdFraction is the fraction of evaluators who must dissent
// before an opinion is surfaced.
const minorityThresholdFraction = 0.3

// detectMinorityOpinions surfaces evaluators whose position for a label
// deviates from the consensus average by at least 1.5 places.
func detectMinorityOpinions(rankings []Stage2Result, labelToBackend map[string]string) []MinorityOpinion {
	var opinions []MinorityOpinion
	if len(rankings) < 3 {
		return opinions
	}

	type placed struct {
		backend  string
		position int
	}
	byLabel := make(map[string][]placed)
	for _, r := range rankings {
		for i, label := range r.ParsedRanking {
			byLabel[label] = append(byLabel[label], placed{backend: r.Backend, position: i + 1})
		}
	}

	numRankers := len(rankings)
	minDissenters := max(1, int(float64(numRankers)*minorityThresholdFraction))

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		placements := byLabel[label]
		if len(placements) < 2 {
			continue
		}

		sum := 0
		for _, p := range placements {
			sum += p.position
		}
		avg := float64(sum) / float64(len(placements))

		var higher, lower []string
		for _, p := range placements {
			diff := float64(p.position) - avg
			switch {
			case diff >= 1.5:
				lower = append(lower, p.backend)
			case diff <= -1.5:
				higher = append(higher, p.backend)
			}
		}

		consensus := math.Round(avg*10) / 10
		if len(higher) >= minDissenters {
			opinions = append(opinions, MinorityOpinion{
				Response:          label,
				Backend:           labelToBackend[label],
				ConsensusPosition: consensus,
				DissentDirection:  "higher",
				DissentingModels:  higher,
				Description: fmt.Sprintf("%d/%d rankers think %s deserves higher ranking (consensus: #%.1f)",
					len(higher), numRankers, label, consensus),
			})
		}
		if len(lower) >= minDissenters {
			opinions = append(opinions, MinorityOpinion{
				Response:          label,
				Backend:           labelToBackend[label],
				ConsensusPosition: consensus,
				DissentDirection:  "lower",
				DissentingModels:  lower,
				Description: fmt.Sprintf("%d/%d rankers think %s is overrated (consensus: #%.1f)",
					len(lower), numRankers, label, consensus),
			})
		}
	}

	return opinions
}

// weightedRankings computes Borda scores: position i (1-indexed) in a
// ranking of length n contributes n-i+1 points. Labels an evaluator did
// not rank score nothing from that evaluator.
func weightedRankings(rankings []Stage2Result) map[string]float64 {
	scores := make(map[string]float64)
	for _, r := range rankings {
		n := len(r.ParsedRanking)
		for i, label := range r.ParsedRanking {
			scores[label] += float64(n - i)
		}
	}
	return scores
}

// topResponse returns the winning label; ties break toward the earliest
// letter so selection is deterministic.
func topResponse(scores map[string]float64, labelToBackend map[string]string) TopResponse {
	if len(scores) == 0 {
		return TopResponse{}
	}

	labels := make([]string, 0, len(scores))
	for label := range scores {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	best := labels[0]
	for _, label := range labels[1:] {
		if scores[label] > scores[best] {
			best = label
		}
	}
	return TopResponse{Label: best, Backend: labelToBackend[best], Score: scores[best]}
}

// backendScores averages each backend's weighted scores across the labels
// it owns, feeding the leaderboard.
func backendScores(scores map[string]float64, labelToBackend map[string]string) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for label, score := range scores {
		b, ok := labelToBackend[label]
		if !ok {
			continue
		}
		sums[b] += score
		counts[b]++
	}
	for b, n := range counts {
		if n > 1 {
			sums[b] /= float64(n)
		}
	}
	return sums
}

// formatAnalysisSummary renders the analysis for the chairman prompt.
func formatAnalysisSummary(a *Analysis) string {
	if a == nil {
		return ""
	}
	var parts []string

	if len(a.WeightedScores) > 0 {
		labels := make([]string, 0, len(a.WeightedScores))
		for label := range a.WeightedScores {
			labels = append(labels, label)
		}
		sort.Slice(labels, func(i, j int) bool {
			if a.WeightedScores[labels[i]] != a.WeightedScores[labels[j]] {
				return a.WeightedScores[labels[i]] > a.WeightedScores[labels[j]]
			}
			return labels[i] < labels[j]
		})
		parts = append(parts, "WEIGHTED RANKINGS:")
		for i, label := range labels {
			parts = append(parts, fmt.Sprintf("  %d. %s: %.1f points", i+1, label, a.WeightedScores[label]))
		}
	}

	if len(a.Conflicts) > 0 {
		parts = append(parts, "\nCONFLICTS DETECTED:")
		for _, c := range a.Conflicts {
			parts = append(parts, fmt.Sprintf("  [%s] %s", strings.ToUpper(c.Severity), c.Description))
		}
	}

	if len(a.MinorityOpinions) > 0 {
		parts = append(parts, "\nMINORITY OPINIONS:")
		for _, mo := range a.MinorityOpinions {
			parts = append(parts, "  "+mo.Description)
		}
	}

	return strings.Join(parts, "\n")
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
