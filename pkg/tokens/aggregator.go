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

package tokens

import "sync"

// Usage is the token and cost accounting reported by a backend for one call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// StageSummary is the aggregated usage of one pipeline stage.
type StageSummary struct {
	Usage
	Calls int `json:"calls"`
}

// Breakdown is the per-deliberation usage report persisted with each turn.
type Breakdown struct {
	ByStage map[string]*StageSummary `json:"by_stage"`
	Total   StageSummary             `json:"total"`
}

// Aggregator accumulates backend usage across the stages of one
// deliberation. Safe for the concurrent member tasks of a stage.
type Aggregator struct {
	mu      sync.Mutex
	byStage map[string]*StageSummary
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{byStage: make(map[string]*StageSummary)}
}

// Record accounts one backend call under the given stage.
func (a *Aggregator) Record(stage string, usage Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	summary, ok := a.byStage[stage]
	if !ok {
		summary = &StageSummary{}
		a.byStage[stage] = summary
	}
	summary.Add(usage)
	summary.Calls++
}

// Breakdown returns a copy of the per-stage summaries plus the grand total.
func (a *Aggregator) Breakdown() Breakdown {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Breakdown{ByStage: make(map[string]*StageSummary, len(a.byStage))}
	for stage, summary := range a.byStage {
		copied := *summary
		out.ByStage[stage] = &copied
		out.Total.Add(summary.Usage)
		out.Total.Calls += summary.Calls
	}
	return out
}
