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

// Package council implements the deliberation pipeline: classification,
// advisor routing, parallel response collection, peer ranking with Borda
// aggregation, and chairman synthesis. The Engine drives one request at a
// time through the stages, fanning events out to the caller as they happen.
package council

import (
	"context"
	"errors"

	"github.com/kadirpekel/synod/pkg/tokens"
)

// Pipeline error kinds. PanelInfeasible and NoSurvivors terminate a
// request; the rest degrade per stage.
var (
	ErrPanelInfeasible = errors.New("router could not assemble a feasible panel")
	ErrNoSurvivors     = errors.New("all panel members failed")
	ErrCancelled       = errors.New("deliberation cancelled")
)

// Mode selects where the pipeline terminates.
type Mode string

const (
	// ModeChat stops after Stage 1 and promotes the first panel member's
	// response as final.
	ModeChat Mode = "chat"
	// ModeRanked stops after Stage 2 and promotes the top-aggregate
	// backend's response.
	ModeRanked Mode = "ranked"
	// ModeFull runs through chairman synthesis.
	ModeFull Mode = "full"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeChat || m == ModeRanked || m == ModeFull
}

// MessageType is the classifier verdict.
type MessageType string

const (
	TypeFactual      MessageType = "factual"
	TypeChat         MessageType = "chat"
	TypeDeliberation MessageType = "deliberation"
	TypeFollowup     MessageType = "followup"
)

// Classification is the Stage-0a result.
type Classification struct {
	Type      MessageType  `json:"type"`
	Reasoning string       `json:"reasoning"`
	Usage     tokens.Usage `json:"usage"`
}

// Direct reports whether the verdict bypasses deliberation.
func (c Classification) Direct() bool {
	return c.Type == TypeFactual || c.Type == TypeChat
}

// PanelMember is one selected advisor bound to a backend for a single
// question.
type PanelMember struct {
	AdvisorID string `json:"advisor_id"`
	Backend   string `json:"backend"`
	Role      string `json:"role"`
	Prompt    string `json:"-"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Panel is the ordered advisor selection for one question. Created by the
// router, consumed unchanged by Stages 1-3.
type Panel []PanelMember

// Stage1Result is one panel member's answer.
type Stage1Result struct {
	Backend  string       `json:"backend"`
	MemberID string       `json:"member_id"`
	Role     string       `json:"role"`
	Response string       `json:"response"`
	Usage    tokens.Usage `json:"usage"`
}

// Stage2Result is one evaluator's parsed ranking of the labelled Stage-1
// responses. ParsedRanking holds each label at most once.
type Stage2Result struct {
	Backend        string                        `json:"backend"`
	MemberID       string                        `json:"member_id"`
	Role           string                        `json:"role"`
	Ranking        string                        `json:"ranking"`
	ParsedRanking  []string                      `json:"parsed_ranking"`
	QualityRatings map[string]float64            `json:"quality_ratings"`
	RubricScores   map[string]map[string]float64 `json:"rubric_scores,omitempty"`
	Round          int                           `json:"round"`
	Usage          tokens.Usage                  `json:"usage"`
}

// Stage3Result is the chairman synthesis.
type Stage3Result struct {
	Backend  string       `json:"model"`
	Response string       `json:"response"`
	Usage    tokens.Usage `json:"usage"`
}

// LabelMember identifies the panel member behind a response label.
type LabelMember struct {
	Backend  string `json:"backend"`
	Role     string `json:"role"`
	MemberID string `json:"member_id"`
}

// Conflict is a detected ranking disagreement.
type Conflict struct {
	Type        string         `json:"type"`
	Response    string         `json:"response,omitempty"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Spread      int            `json:"spread,omitempty"`
	Backends    []string       `json:"backends,omitempty"`
	Details     map[string]int `json:"details,omitempty"`
}

// MinorityOpinion records dissent from the consensus position of a label.
type MinorityOpinion struct {
	Response          string   `json:"response"`
	Backend           string   `json:"backend"`
	ConsensusPosition float64  `json:"consensus_position"`
	DissentDirection  string   `json:"dissent_direction"`
	DissentingModels  []string `json:"dissenting_backends"`
	Description       string   `json:"description"`
}

// TopResponse identifies the Borda winner.
type TopResponse struct {
	Label   string  `json:"label"`
	Backend string  `json:"backend"`
	Score   float64 `json:"score"`
}

// Analysis is the Stage-2 aggregation bundle.
type Analysis struct {
	Conflicts        []Conflict             `json:"conflicts"`
	MinorityOpinions []MinorityOpinion      `json:"minority_opinions"`
	WeightedScores   map[string]float64     `json:"weighted_scores"`
	Top              TopResponse            `json:"top_response"`
	LabelToBackend   map[string]string      `json:"label_to_backend"`
	LabelToMember    map[string]LabelMember `json:"label_to_member"`
}

// Message is one conversation turn: a user utterance or an immutable
// assistant record carrying the full deliberation output.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	Stage1   []Stage1Result    `json:"stage1,omitempty"`
	Stage2   []Stage2Result    `json:"stage2,omitempty"`
	Stage3   *Stage3Result     `json:"stage3,omitempty"`
	Analysis *Analysis         `json:"analysis,omitempty"`
	Panel    Panel             `json:"panel,omitempty"`
	Usage    *tokens.Breakdown `json:"usage,omitempty"`
}

// Conversation is the stored transcript the driver reads history from.
type Conversation struct {
	ID        string    `json:"id"`
	CouncilID string    `json:"council_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt string    `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// ConversationStore is the persistence port the driver requires. Writes
// must be atomic at the granularity of one conversation record.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	AppendUser(ctx context.Context, id, text string) error
	AppendAssistant(ctx context.Context, id string, msg Message) error
	UpdateTitle(ctx context.Context, id, title string) error
}

// ScoreKeeper is the leaderboard port, written after each finished
// deliberation.
type ScoreKeeper interface {
	Record(councilID string, scores map[string]float64, winner string, rubric map[string]map[string]float64) error
}

// Searcher is an optional web-search hook. When set on the Engine, search
// results are injected into the Stage-1 context.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}
