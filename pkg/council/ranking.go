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
	"regexp"
	"strconv"
	"strings"
)

// Evaluators are asked for strict JSON in this shape; the regex path below
// salvages free-form output when they ignore the instruction.
type structuredEvaluation struct {
	Rankings []struct {
		Label    string             `mapstructure:"label"`
		Rating   float64            `mapstructure:"rating"`
		Rubric   map[string]float64 `mapstructure:"rubric"`
		Feedback string             `mapstructure:"feedback"`
	} `mapstructure:"rankings"`
	FinalOrder []string `mapstructure:"final_order"`
}

var (
	finalRankingSection = regexp.MustCompile(`(?is)FINAL RANKING[:\s]*(.+)`)
	rankedLinePattern   = regexp.MustCompile(`(?im)(?:^|\n)\s*\d+\.\s*(?:Response\s+)?([A-Z])`)
	qualityPattern      = regexp.MustCompile(`(?i)(?:Response\s+)?([A-Z])\s*[:\(]\s*(\d+(?:\.\d+)?)\s*/\s*(?:5|10)`)
)

// normalizeLabel maps "A", "a", or "Response A" to the canonical
// "Response A" form. Returns "" for anything else.
func normalizeLabel(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "Response "), "response ")
	if len(s) != 1 {
		return ""
	}
	c := strings.ToUpper(s)[0]
	if c < 'A' || c > 'Z' {
		return ""
	}
	return "Response " + string(c)
}

// parseRanking extracts the ordered label list from evaluator text. It
// prefers the structured JSON reply; otherwise it isolates the text after
// "FINAL RANKING" (or the whole text) and collects numbered entries,
// deduplicated in first-occurrence order.
func parseRanking(text string) []string {
	if eval, ok := parseStructured(text); ok && len(eval.FinalOrder) > 0 {
		var labels []string
		seen := make(map[string]bool)
		for _, raw := range eval.FinalOrder {
			label := normalizeLabel(raw)
			if label != "" && !seen[label] {
				seen[label] = true
				labels = append(labels, label)
			}
		}
		if len(labels) > 0 {
			return labels
		}
	}

	searchText := text
	if m := finalRankingSection.FindStringSubmatch(text); m != nil {
		searchText = m[1]
	}

	var labels []string
	seen := make(map[string]bool)
	for _, m := range rankedLinePattern.FindAllStringSubmatch(searchText, -1) {
		label := "Response " + strings.ToUpper(m[1])
		if !seen[label] {
			seen[label] = true
			labels = append(labels, label)
		}
	}
	return labels
}

// parseStructured attempts the strict JSON contract.
func parseStructured(text string) (*structuredEvaluation, bool) {
	var eval structuredEvaluation
	if !decodeJSON(text, &eval) {
		return nil, false
	}
	if len(eval.Rankings) == 0 && len(eval.FinalOrder) == 0 {
		return nil, false
	}
	return &eval, true
}

// extractQualityRatings collects per-label scalar ratings. Scores given on
// a /10 denominator (detected by value > 5) are halved so everything is
// stored on the [0,5] scale.
func extractQualityRatings(text string) map[string]float64 {
	ratings := make(map[string]float64)

	if eval, ok := parseStructured(text); ok && len(eval.Rankings) > 0 {
		for _, r := range eval.Rankings {
			label := normalizeLabel(r.Label)
			if label == "" {
				continue
			}
			score := r.Rating
			if score > 5 {
				score = score / 2
			}
			ratings[label] = score
		}
		if len(ratings) > 0 {
			return ratings
		}
	}

	for _, m := range qualityPattern.FindAllStringSubmatch(text, -1) {
		label := "Response " + strings.ToUpper(m[1])
		score, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		if score > 5 {
			score = score / 2
		}
		ratings[label] = score
	}
	return ratings
}

// extractRubricScores collects per-criterion scores for each label, on the
// 1-10 scale the evaluator prompt requests.
func extractRubricScores(text string, criteria []string) map[string]map[string]float64 {
	scores := make(map[string]map[string]float64)
	record := func(label, criterion string, score float64) {
		if scores[label] == nil {
			scores[label] = make(map[string]float64)
		}
		scores[label][criterion] = score
	}

	if eval, ok := parseStructured(text); ok && len(eval.Rankings) > 0 {
		known := make(map[string]string, len(criteria))
		for _, c := range criteria {
			known[strings.ToLower(c)] = c
		}
		for _, r := range eval.Rankings {
			label := normalizeLabel(r.Label)
			if label == "" {
				continue
			}
			for name, score := range r.Rubric {
				if canonical, ok := known[strings.ToLower(name)]; ok {
					record(label, canonical, score)
				}
			}
		}
		if len(scores) > 0 {
			return scores
		}
	}

	for _, criterion := range criteria {
		pattern, err := regexp.Compile(fmt.Sprintf(`(?i)%s\s*[:\-]\s*(?:Response\s+)?([A-Z])\s*[:\(]\s*(\d+(?:\.\d+)?)`, regexp.QuoteMeta(criterion)))
		if err != nil {
			continue
		}
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			label := "Response " + strings.ToUpper(m[1])
			score, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				continue
			}
			record(label, criterion, score)
		}
	}
	return scores
}
