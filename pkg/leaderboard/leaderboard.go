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

// Package leaderboard tracks per-council, per-backend deliberation
// performance in a durable JSON file with bounded history windows.
package leaderboard

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// windowSize bounds the position and per-criterion score histories.
const windowSize = 50

// Entry is one backend's record within a council.
type Entry struct {
	Wins           int                  `json:"wins"`
	Participations int                  `json:"participations"`
	TotalScore     float64              `json:"total_score"`
	AvgPosition    float64              `json:"avg_position"`
	Positions      []int                `json:"positions"`
	RubricScores   map[string][]float64 `json:"rubric_scores"`
}

type file struct {
	Councils    map[string]map[string]*Entry `json:"councils"`
	LastUpdated string                       `json:"last_updated"`
}

// Standing is the read-side view of one backend, derived from its Entry.
type Standing struct {
	Backend        string             `json:"backend"`
	Wins           int                `json:"wins"`
	Participations int                `json:"participations"`
	WinRate        float64            `json:"win_rate"`
	AvgScore       float64            `json:"avg_score"`
	AvgPosition    float64            `json:"avg_position"`
	RubricScores   map[string]float64 `json:"rubric_scores"`
}

// Leaderboard serializes all access behind one mutex and persists every
// write with an atomic file replacement.
type Leaderboard struct {
	mu   sync.Mutex
	path string
	data file
}

// New loads (or initializes) the leaderboard at path.
func New(path string) (*Leaderboard, error) {
	l := &Leaderboard{
		path: path,
		data: file{Councils: make(map[string]map[string]*Entry)},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &l.data); err != nil {
		return nil, fmt.Errorf("leaderboard parse %s: %w", path, err)
	}
	if l.data.Councils == nil {
		l.data.Councils = make(map[string]map[string]*Entry)
	}
	return l, nil
}

func appendBounded[T any](window []T, v T) []T {
	window = append(window, v)
	if len(window) > windowSize {
		window = window[len(window)-windowSize:]
	}
	return window
}

// Record folds one finished deliberation into the board: participants are
// positioned by score descending, the winner gains a win, and rubric
// scores extend the criterion windows.
func (l *Leaderboard) Record(councilID string, scores map[string]float64, winner string, rubric map[string]map[string]float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	council := l.data.Councils[councilID]
	if council == nil {
		council = make(map[string]*Entry)
		l.data.Councils[councilID] = council
	}

	type ranked struct {
		backend string
		score   float64
	}
	order := make([]ranked, 0, len(scores))
	for b, s := range scores {
		order = append(order, ranked{b, s})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].backend < order[j].backend
	})

	for position, r := range order {
		entry := council[r.backend]
		if entry == nil {
			entry = &Entry{RubricScores: make(map[string][]float64)}
			council[r.backend] = entry
		}
		entry.Participations++
		entry.TotalScore += r.score
		entry.Positions = appendBounded(entry.Positions, position+1)

		sum := 0
		for _, p := range entry.Positions {
			sum += p
		}
		entry.AvgPosition = float64(sum) / float64(len(entry.Positions))

		if r.backend == winner {
			entry.Wins++
		}

		if criterionScores, ok := rubric[r.backend]; ok {
			if entry.RubricScores == nil {
				entry.RubricScores = make(map[string][]float64)
			}
			for criterion, score := range criterionScores {
				entry.RubricScores[criterion] = appendBounded(entry.RubricScores[criterion], score)
			}
		}
	}

	return l.saveLocked()
}

// Council returns the standings for one council, sorted by win rate
// descending.
func (l *Leaderboard) Council(councilID string) []Standing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.councilLocked(councilID)
}

func (l *Leaderboard) councilLocked(councilID string) []Standing {
	council := l.data.Councils[councilID]
	standings := make([]Standing, 0, len(council))

	for backendID, entry := range council {
		s := Standing{
			Backend:        backendID,
			Wins:           entry.Wins,
			Participations: entry.Participations,
			AvgPosition:    round2(entry.AvgPosition),
			RubricScores:   make(map[string]float64, len(entry.RubricScores)),
		}
		if entry.Participations > 0 {
			s.WinRate = round1(float64(entry.Wins) / float64(entry.Participations) * 100)
			s.AvgScore = round2(entry.TotalScore / float64(entry.Participations))
		}
		for criterion, window := range entry.RubricScores {
			if len(window) == 0 {
				continue
			}
			sum := 0.0
			for _, v := range window {
				sum += v
			}
			s.RubricScores[criterion] = sum / float64(len(window))
		}
		standings = append(standings, s)
	}

	sort.Slice(standings, func(i, j int) bool {
		if standings[i].WinRate != standings[j].WinRate {
			return standings[i].WinRate > standings[j].WinRate
		}
		return standings[i].Backend < standings[j].Backend
	})
	return standings
}

// All returns the standings for every council on the board.
func (l *Leaderboard) All() map[string][]Standing {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string][]Standing, len(l.data.Councils))
	for councilID := range l.data.Councils {
		out[councilID] = l.councilLocked(councilID)
	}
	return out
}

// saveLocked writes the board via temp file and rename so readers never
// observe a torn file.
func (l *Leaderboard) saveLocked() error {
	l.data.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("leaderboard mkdir: %w", err)
	}

	raw, err := json.MarshalIndent(&l.data, "", "  ")
	if err != nil {
		return fmt.Errorf("leaderboard marshal: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("leaderboard write: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("leaderboard replace: %w", err)
	}
	return nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
